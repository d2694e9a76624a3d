// Package event defines the locally derived occurrences that drive the
// sequencer. Events are never transmitted between nodes.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// Kind classifies an event.
type Kind string

const (
	ThresholdCrossed     Kind = "threshold-crossed"
	Settled              Kind = "settled"
	TimeoutElapsed       Kind = "timeout-elapsed"
	UserRequested        Kind = "user-requested"
	EmergencyTriggered   Kind = "emergency-triggered"
	ConnectivityLost     Kind = "connectivity-lost"
	ConnectivityRestored Kind = "connectivity-restored"
	TransitionFailed     Kind = "transition-failed"
	Fault                Kind = "fault"
	StateEntered         Kind = "state-entered"
	CommandFailed        Kind = "command-failed"
)

// Event is one occurrence. Epoch is the sequencer state epoch the event was
// derived under; zero means "not state bound".
type Event struct {
	ID        string              `json:"id"`
	Kind      Kind                `json:"kind"`
	Trigger   string              `json:"trigger,omitempty"`
	Channel   telemetry.ChannelID `json:"channel,omitempty"`
	Value     float64             `json:"value,omitempty"`
	Epoch     uint64              `json:"epoch,omitempty"`
	Class     command.Class       `json:"class,omitempty"`
	State     string              `json:"state,omitempty"`
	Message   string              `json:"message,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// New creates an event stamped with a fresh ID and the current time.
func New(kind Kind, trigger string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Trigger:   trigger,
		Timestamp: time.Now(),
	}
}

// Escalation returns the safety escalation class of the event, or "" when
// it never escalates. Connectivity loss is a transport problem; faults
// and failed transitions carry their own class.
func (e Event) Escalation() string {
	switch e.Kind {
	case Fault:
		return "fault"
	case ConnectivityLost:
		return string(command.ClassTransport)
	case TransitionFailed, CommandFailed:
		if e.Class != "" {
			return string(e.Class)
		}
		return string(command.ClassSequence)
	}
	return ""
}
