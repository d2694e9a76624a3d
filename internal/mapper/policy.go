package mapper

import (
	"math"
	"time"

	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// Comparison is the direction of a threshold.
type Comparison int

const (
	// AtOrBelow fires when value <= target (pump-down).
	AtOrBelow Comparison = iota
	// AtOrAbove fires when value >= target (faults, flags).
	AtOrAbove
)

func (c Comparison) String() string {
	if c == AtOrAbove {
		return ">="
	}
	return "<="
}

// Mode selects the policy type of a Rule.
type Mode int

const (
	// ModeThreshold is edge triggered on a comparison.
	ModeThreshold Mode = iota
	// ModeSettle fires once a value has stayed in a band for a dwell time.
	ModeSettle
)

// Rule declares one policy bound to a sequencer state.
type Rule struct {
	// Trigger names the condition; the sequencer keys transitions on it.
	Trigger string
	// Kind is the event kind emitted. Defaults to threshold-crossed or
	// settled by mode.
	Kind    event.Kind
	Channel telemetry.ChannelID
	Mode    Mode

	// Threshold fields.
	Compare Comparison
	Target  float64

	// Settle fields. Target is shared.
	Tolerance float64
	Dwell     time.Duration
}

func (r Rule) kind() event.Kind {
	if r.Kind != "" {
		return r.Kind
	}
	if r.Mode == ModeSettle {
		return event.Settled
	}
	return event.ThresholdCrossed
}

// policy is the per-channel state machine built from a Rule.
type policy interface {
	rule() Rule
	observe(s telemetry.Sample) bool
}

// threshold is edge triggered. A fresh policy treats its condition as
// false, so the first satisfying sample fires. After firing it re-arms
// only once the value is back on the false side by more than hysteresis.
type threshold struct {
	r          Rule
	hysteresis float64
	armed      bool
}

func newThreshold(r Rule, hysteresis float64) *threshold {
	return &threshold{r: r, hysteresis: hysteresis, armed: true}
}

func (p *threshold) rule() Rule { return p.r }

func (p *threshold) observe(s telemetry.Sample) bool {
	v := s.Value
	var met, rearm bool
	switch p.r.Compare {
	case AtOrAbove:
		met = v >= p.r.Target
		rearm = v < p.r.Target-p.hysteresis
	default:
		met = v <= p.r.Target
		rearm = v > p.r.Target+p.hysteresis
	}

	if p.armed && met {
		p.armed = false
		return true
	}
	if !p.armed && rearm {
		p.armed = true
	}
	return false
}

// settle fires once per stay inside target +/- tolerance lasting at least
// dwell, measured on sample timestamps. Any sample outside the band
// restarts the dwell.
type settle struct {
	r       Rule
	inBand  bool
	entered time.Time
	fired   bool
}

func newSettle(r Rule) *settle { return &settle{r: r} }

func (p *settle) rule() Rule { return p.r }

func (p *settle) observe(s telemetry.Sample) bool {
	if math.Abs(s.Value-p.r.Target) > p.r.Tolerance {
		p.inBand = false
		p.fired = false
		return false
	}
	if !p.inBand {
		p.inBand = true
		p.entered = s.Timestamp
	}
	if p.fired || s.Timestamp.Sub(p.entered) < p.r.Dwell {
		return false
	}
	p.fired = true
	return true
}
