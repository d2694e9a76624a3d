package transport

import "errors"

// Domain errors for the transport package.
var (
	// ErrNotConnected is returned when no connection to the target could
	// be established within the configured reconnect attempts.
	ErrNotConnected = errors.New("transport: not connected to target")

	// ErrConnectionLost is returned when the connection dropped after a
	// command was written; the command may or may not have executed.
	ErrConnectionLost = errors.New("transport: connection lost awaiting response")

	// ErrClosed is returned when an operation is attempted after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrMalformedBeacon is returned when a heartbeat datagram cannot be parsed.
	ErrMalformedBeacon = errors.New("transport: malformed heartbeat")
)
