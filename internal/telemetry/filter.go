package telemetry

import (
	"math"
	"time"
)

// Filter implements change-only transmission. A sample passes when its
// channel has never been sent, or when it differs from the last sent value
// by more than the channel's significance threshold. Every refresh interval
// all channels pass once so a restarted receiver learns the full picture.
//
// Filter is not safe for concurrent use; the sampling loop owns it.
type Filter struct {
	thresholds  map[ChannelID]float64
	last        map[ChannelID]float64
	refresh     time.Duration
	lastRefresh time.Time
}

// DefaultThresholds are the per-channel significance thresholds used when
// configuration does not override them.
func DefaultThresholds() map[ChannelID]float64 {
	return map[ChannelID]float64{
		ForelinePressure: 1,
		TurboPressure:    0.01,
		MainPressure:     0.001,
		SupplyVoltage:    0.05,
		SupplyCurrent:    0.05,
		AtmosphereFlag:   0,
		NeutronCounts:    0,
	}
}

// NewFilter creates a filter. refresh <= 0 disables the periodic full send.
func NewFilter(thresholds map[ChannelID]float64, refresh time.Duration) *Filter {
	t := DefaultThresholds()
	for ch, v := range thresholds {
		t[ch] = v
	}
	return &Filter{
		thresholds: t,
		last:       make(map[ChannelID]float64),
		refresh:    refresh,
	}
}

// ThresholdsByName converts a name-keyed threshold map, as found in
// configuration, into channel IDs.
func ThresholdsByName(byName map[string]float64) (map[ChannelID]float64, error) {
	out := make(map[ChannelID]float64, len(byName))
	for name, v := range byName {
		ch, ok := ChannelByName(name)
		if !ok {
			return nil, ErrUnknownChannel
		}
		out[ch] = v
	}
	return out, nil
}

// Apply returns the samples from batch that should be transmitted at now
// and records them as sent.
func (f *Filter) Apply(batch []Sample, now time.Time) []Sample {
	full := f.refresh > 0 && now.Sub(f.lastRefresh) >= f.refresh
	if full {
		f.lastRefresh = now
	}

	var out []Sample
	for _, s := range batch {
		if !full && !f.significant(s) {
			continue
		}
		f.last[s.Channel] = s.Value
		out = append(out, s)
	}
	return out
}

// Reset forgets every sent value, so the next batch is sent in full.
func (f *Filter) Reset() {
	clear(f.last)
}

func (f *Filter) significant(s Sample) bool {
	prev, ok := f.last[s.Channel]
	if !ok {
		return true
	}
	diff := math.Abs(s.Value - prev)
	if th := f.thresholds[s.Channel]; th > 0 {
		return diff > th
	}
	return diff > 0
}
