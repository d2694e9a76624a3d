package safety

import "errors"

// Domain errors for the safety package.
var (
	// ErrStopped is returned when a trip is requested while the overlay is
	// not running.
	ErrStopped = errors.New("safety: overlay stopped")

	// ErrIncomplete is returned when one or more shutoff commands failed.
	// The sequencer is still forced to ALL_OFF.
	ErrIncomplete = errors.New("safety: shutoff incomplete")

	// ErrBusy is returned by Offer when a trip is already queued.
	ErrBusy = errors.New("safety: trip already pending")
)
