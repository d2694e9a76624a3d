package mapper

import (
	"fmt"
	"sync"

	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// Bindings maps a sequencer state name to the rules active in it.
type Bindings map[string][]Rule

// Options configures a Mapper.
type Options struct {
	// Hysteresis is the re-arm band per channel for threshold rules.
	// Zero (the default) gives pure edge triggering.
	Hysteresis map[telemetry.ChannelID]float64
}

// Mapper turns telemetry samples into events, using only the rules bound
// to the current sequencer state. Every state change discards all
// per-channel history, and every event is tagged with the epoch it was
// derived under so the sequencer can drop stale ones.
//
// Thread Safety: all methods are safe for concurrent use.
type Mapper struct {
	bindings   Bindings
	hysteresis map[telemetry.ChannelID]float64

	mu     sync.Mutex
	state  string
	epoch  uint64
	active map[telemetry.ChannelID][]policy
}

// New creates a mapper with no active state.
func New(bindings Bindings, opts Options) *Mapper {
	h := make(map[telemetry.ChannelID]float64, len(opts.Hysteresis))
	for ch, v := range opts.Hysteresis {
		h[ch] = v
	}
	return &Mapper{
		bindings:   bindings,
		hysteresis: h,
		active:     make(map[telemetry.ChannelID][]policy),
	}
}

// SetState swaps the active rule set. Policies are rebuilt, so nothing
// observed under the previous state carries over.
func (m *Mapper) SetState(state string, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = state
	m.epoch = epoch
	m.active = make(map[telemetry.ChannelID][]policy)
	for _, r := range m.bindings[state] {
		var p policy
		if r.Mode == ModeSettle {
			p = newSettle(r)
		} else {
			p = newThreshold(r, m.hysteresis[r.Channel])
		}
		m.active[r.Channel] = append(m.active[r.Channel], p)
	}
}

// State returns the active state and epoch.
func (m *Mapper) State() (string, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.epoch
}

// Observe feeds one sample and returns the events it produced.
func (m *Mapper) Observe(s telemetry.Sample) []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []event.Event
	for _, p := range m.active[s.Channel] {
		if !p.observe(s) {
			continue
		}
		r := p.rule()
		e := event.New(r.kind(), r.Trigger)
		e.Channel = s.Channel
		e.Value = s.Value
		e.Epoch = m.epoch
		e.State = m.state
		e.Timestamp = s.Timestamp
		if e.Kind == event.Fault {
			e.Message = fmt.Sprintf("%s %s %g %s", r.Channel, r.Compare, r.Target, r.Channel.Unit())
		}
		out = append(out, e)
	}
	return out
}

// Rules returns the rules bound to state.
func (m *Mapper) Rules(state string) []Rule {
	return append([]Rule(nil), m.bindings[state]...)
}
