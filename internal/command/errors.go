package command

import (
	"errors"
	"fmt"
)

// Domain errors for the command package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, command.ErrUnknownOpcode) {
//	    // reject before dispatch
//	}
var (
	// ErrEmptyCommand is returned when a command line carries no opcode.
	ErrEmptyCommand = errors.New("command: empty")

	// ErrUnknownOpcode is returned for an opcode outside the vocabulary.
	ErrUnknownOpcode = errors.New("command: unknown opcode")

	// ErrInvalidFormat is returned when the argument count or syntax does
	// not match the opcode's declared shape.
	ErrInvalidFormat = errors.New("command: invalid format")

	// ErrOutOfRange is returned when an argument falls outside its declared range.
	ErrOutOfRange = errors.New("command: argument out of range")

	// ErrLimitExceeded is returned when a value violates a configured safety limit.
	ErrLimitExceeded = errors.New("command: safety limit exceeded")

	// ErrUnsupported is returned when a valid opcode cannot be served by this node.
	ErrUnsupported = errors.New("command: not supported on this node")

	// ErrMalformedResponse is returned when a response line cannot be parsed.
	ErrMalformedResponse = errors.New("command: malformed response")
)

// Class is the error taxonomy used across the control core. Every failed
// Response carries one so the safety overlay can decide on escalation.
type Class string

const (
	ClassValidation Class = "validation"
	ClassTransport  Class = "transport"
	ClassActuation  Class = "actuation"
	ClassSequence   Class = "sequence"
	ClassSafety     Class = "safety"
)

// Error is a classified failure for one opcode.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Class, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf returns the taxonomy class of err, or "" when err is not classified.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ""
}

func validationError(op string, err error) *Error {
	return &Error{Class: ClassValidation, Op: op, Err: err}
}

// reason pairs a sentinel with the short message sent on the wire.
type reason struct {
	kind error
	msg  string
}

func (r *reason) Error() string { return r.msg }

func (r *reason) Unwrap() error { return r.kind }

func reasonf(kind error, format string, args ...any) error {
	return &reason{kind: kind, msg: fmt.Sprintf(format, args...)}
}
