package telemetry

import (
	"context"
	"sync"
)

// Sensor is the hardware boundary for sampling. ReadAll returns one sample
// per available channel.
type Sensor interface {
	ReadAll(ctx context.Context) ([]Sample, error)
}

// Latest keeps the most recent sample per channel. It backs sequencer
// guards and status views.
//
// Thread Safety: all methods are safe for concurrent use.
type Latest struct {
	mu      sync.RWMutex
	samples map[ChannelID]Sample
}

// NewLatest creates an empty store.
func NewLatest() *Latest {
	return &Latest{samples: make(map[ChannelID]Sample)}
}

// Update records s if it is not older than the stored sample.
func (l *Latest) Update(s Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.samples[s.Channel]; ok && s.Timestamp.Before(cur.Timestamp) {
		return
	}
	l.samples[s.Channel] = s
}

// Get returns the latest sample for ch.
func (l *Latest) Get(ch ChannelID) (Sample, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.samples[ch]
	return s, ok
}

// Value returns the latest value for ch.
func (l *Latest) Value(ch ChannelID) (float64, bool) {
	s, ok := l.Get(ch)
	return s.Value, ok
}

// All returns a copy of every latest sample in channel order.
func (l *Latest) All() []Sample {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Sample, 0, len(l.samples))
	for _, ch := range Channels() {
		if s, ok := l.samples[ch]; ok {
			out = append(out, s)
		}
	}
	return out
}
