package bridge

import "errors"

var (
	// ErrBadRequest is returned for a command request that cannot be decoded.
	ErrBadRequest = errors.New("bridge: malformed command request")

	// ErrStopped is returned when requests arrive after Run has exited.
	ErrStopped = errors.New("bridge: not running")
)
