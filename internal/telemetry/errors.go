package telemetry

import "errors"

// Domain errors for the telemetry package.
var (
	// ErrMalformedFrame is returned when a datagram is not a telemetry frame.
	ErrMalformedFrame = errors.New("telemetry: malformed frame")

	// ErrUnknownChannel is returned when a channel name is not recognised.
	ErrUnknownChannel = errors.New("telemetry: unknown channel")
)
