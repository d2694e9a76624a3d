package sequencer

import (
	"sync"
	"time"

	"github.com/nerrad567/fusor-core/internal/event"
)

// Outcome is what the sequencer did with an event or request.
type Outcome string

const (
	OutcomeTransitioned Outcome = "transitioned"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeNoted        Outcome = "noted"
	OutcomeStale        Outcome = "dropped-stale"
	OutcomeGuardFailed  Outcome = "guard-failed"
	OutcomeFailed       Outcome = "failed"
	OutcomeRejected     Outcome = "rejected"
	OutcomePreempted    Outcome = "preempted"
)

// Record is one entry of the sequencer history.
type Record struct {
	Event   event.Event `json:"event"`
	From    State       `json:"from"`
	To      State       `json:"to,omitempty"`
	Outcome Outcome     `json:"outcome"`
	Error   string      `json:"error,omitempty"`
	At      time.Time   `json:"at"`
}

// ring is a bounded, oldest-evicted history buffer.
type ring struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]Record, size)}
}

func (r *ring) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// list returns the records oldest first.
func (r *ring) list() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Record(nil), r.buf[:r.next]...)
	}
	out := make([]Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
