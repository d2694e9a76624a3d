package host

import (
	"sync"

	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/safety"
	"github.com/nerrad567/fusor-core/internal/sequencer"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// A sink implements any subset of the interfaces below. Every method is
// called inline on the pipeline and must return promptly.

// SampleSink receives every telemetry sample.
type SampleSink interface {
	Sample(s telemetry.Sample)
}

// EventSink receives every derived event, including transition failures
// and connectivity changes.
type EventSink interface {
	Event(e event.Event)
}

// StateSink receives every committed state change.
type StateSink interface {
	StateChanged(c sequencer.StateChange)
}

// TripSink receives every safety trip that acted.
type TripSink interface {
	Trip(t safety.Trip)
}

// LinkSink is told when the target link goes down or comes back.
type LinkSink interface {
	SetLinkConnected(up bool)
}

type fanout struct {
	mu      sync.RWMutex
	samples []SampleSink
	events  []EventSink
	states  []StateSink
	trips   []TripSink
	links   []LinkSink
}

// add registers sink under every interface it implements and reports
// whether it implemented any.
func (f *fanout) add(sink any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	matched := false
	if s, ok := sink.(SampleSink); ok {
		f.samples = append(f.samples, s)
		matched = true
	}
	if s, ok := sink.(EventSink); ok {
		f.events = append(f.events, s)
		matched = true
	}
	if s, ok := sink.(StateSink); ok {
		f.states = append(f.states, s)
		matched = true
	}
	if s, ok := sink.(TripSink); ok {
		f.trips = append(f.trips, s)
		matched = true
	}
	if s, ok := sink.(LinkSink); ok {
		f.links = append(f.links, s)
		matched = true
	}
	return matched
}

func (f *fanout) sample(s telemetry.Sample) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sink := range f.samples {
		sink.Sample(s)
	}
}

func (f *fanout) event(e event.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sink := range f.events {
		sink.Event(e)
	}
}

func (f *fanout) stateChanged(c sequencer.StateChange) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sink := range f.states {
		sink.StateChanged(c)
	}
}

func (f *fanout) trip(t safety.Trip) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sink := range f.trips {
		sink.Trip(t)
	}
}

func (f *fanout) link(up bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sink := range f.links {
		sink.SetLinkConnected(up)
	}
}
