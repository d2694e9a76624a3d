package sequencer

import "errors"

// Domain errors for the sequencer package. All are sequence-class errors
// when surfaced through the command router.
var (
	// ErrNotSafeState is returned when START is requested outside ALL_OFF.
	ErrNotSafeState = errors.New("sequencer: start requires ALL_OFF")

	// ErrNotRunning is returned when STOP is requested in ALL_OFF.
	ErrNotRunning = errors.New("sequencer: sequence not running")

	// ErrDisconnected is returned when a forward transition is requested
	// while the target link is down.
	ErrDisconnected = errors.New("sequencer: target link lost")

	// ErrGuard is returned when a transition guard rejects the latest
	// telemetry.
	ErrGuard = errors.New("sequencer: guard failed")

	// ErrTransitionFailed is returned when a side-effect command fails.
	ErrTransitionFailed = errors.New("sequencer: transition failed")

	// ErrPreempted is returned when an in-flight transition was cancelled
	// by an emergency stop.
	ErrPreempted = errors.New("sequencer: preempted by emergency stop")

	// ErrHalted is returned when a transition is refused or abandoned
	// because an emergency stop has latched the sequencer.
	ErrHalted = errors.New("sequencer: halted for emergency stop")

	// ErrStopped is returned when the sequencer loop is not running.
	ErrStopped = errors.New("sequencer: stopped")
)
