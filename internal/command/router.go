package command

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the Router.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Request is a command that passed validation, with its parsed argument
// values and planned actuator writes.
type Request struct {
	Command Command
	Values  []float64
	Steps   []Step
}

// Executor carries out a validated request. On the target it is the
// ActuatorExecutor; on the host it is the command channel client.
type Executor interface {
	Execute(ctx context.Context, req Request) Response
}

// SequenceControl is the sequencer surface reachable through commands.
type SequenceControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// EmergencyStop is the safety overlay surface. Trip must not wait behind
// actuator commands queued in the router.
type EmergencyStop interface {
	Trip(ctx context.Context, reason string) error
}

// Observer is told about every completed command. Implementations must
// return quickly; the router calls them inline.
type Observer interface {
	CommandCompleted(cmd Command, resp Response)
}

// RouterOptions configures optional router collaborators.
type RouterOptions struct {
	// Limits are checked after range validation, before dispatch.
	Limits Limits
	// Sequence handles START_SEQUENCE and STOP_SEQUENCE (host only).
	Sequence SequenceControl
	// Emergency handles EMERGENCY_SHUTOFF on the host. When nil the
	// opcode goes to the executor like any actuator command.
	Emergency EmergencyStop
	Logger    Logger
}

// Router validates commands against the opcode table and dispatches them.
//
// Actuator commands are serialised: at most one is executing at a time,
// whether it came from a user or from the sequencer. Sequence and
// emergency opcodes bypass that lock.
//
// Thread Safety: all methods are safe for concurrent use.
type Router struct {
	exec      Executor
	limits    Limits
	sequence  SequenceControl
	emergency EmergencyStop
	logger    Logger

	execMu sync.Mutex

	observersMu sync.RWMutex
	observers   []Observer
}

// NewRouter creates a router around exec.
func NewRouter(exec Executor, opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Router{
		exec:      exec,
		limits:    opts.Limits,
		sequence:  opts.Sequence,
		emergency: opts.Emergency,
		logger:    logger,
	}
}

// SetSequence attaches the sequencer after construction. The sequencer
// itself depends on the router, so the host wires it in two steps.
func (r *Router) SetSequence(seq SequenceControl) {
	r.observersMu.Lock()
	r.sequence = seq
	r.observersMu.Unlock()
}

// SetEmergency attaches the safety overlay after construction.
func (r *Router) SetEmergency(e EmergencyStop) {
	r.observersMu.Lock()
	r.emergency = e
	r.observersMu.Unlock()
}

// Observe registers an observer for completed commands.
func (r *Router) Observe(o Observer) {
	r.observersMu.Lock()
	r.observers = append(r.observers, o)
	r.observersMu.Unlock()
}

// HandleLine parses and dispatches one wire line and returns the wire
// response without terminator. It is the command server's entry point.
func (r *Router) HandleLine(ctx context.Context, line string, source Source) string {
	cmd, err := Parse(line)
	if err != nil {
		r.logger.Warn("rejected command line", "line", strings.TrimSpace(line), "error", err)
		r.notify(Command{Source: source, Issued: time.Now()}, parseFailure(line, err))
		return FormatError(err)
	}
	cmd.Source = source
	return FormatResponse(r.Dispatch(ctx, cmd))
}

// Handle parses and dispatches one command line, returning the structured
// response. Parse failures come back as failure responses.
func (r *Router) Handle(ctx context.Context, line string, source Source) Response {
	cmd, err := Parse(line)
	if err != nil {
		resp := parseFailure(line, err)
		r.notify(Command{Source: source, Issued: time.Now()}, resp)
		return resp
	}
	cmd.Source = source
	return r.Dispatch(ctx, cmd)
}

// Dispatch validates cmd and executes it. Every call yields exactly one
// response; validation failures never reach the executor.
func (r *Router) Dispatch(ctx context.Context, cmd Command) Response {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Source == "" {
		cmd.Source = SourceUser
	}
	if cmd.Issued.IsZero() {
		cmd.Issued = time.Now()
	}

	start := time.Now()
	resp := r.dispatch(ctx, cmd)
	resp.CommandID = cmd.ID
	resp.Duration = time.Since(start)

	if resp.OK() {
		r.logger.Debug("command completed", "command", cmd.String(), "source", cmd.Source, "duration", resp.Duration)
	} else {
		r.logger.Warn("command failed",
			"command", cmd.String(),
			"source", cmd.Source,
			"class", resp.Class,
			"effect", resp.Effect,
			"error", resp.Error)
	}

	r.notify(cmd, resp)
	return resp
}

func (r *Router) dispatch(ctx context.Context, cmd Command) Response {
	spec, ok := SpecFor(cmd.Op)
	if !ok {
		return Failure(cmd, validationError(cmd.Name(), reasonf(ErrUnknownOpcode, "Unknown command '%s'", cmd.Name())), nil)
	}

	values, err := spec.check(cmd.Index, cmd.Args)
	if err != nil {
		return Failure(cmd, validationError(cmd.Name(), err), nil)
	}

	steps := plan(cmd, values)
	if cmd.Op != OpShutdown && cmd.Op != OpEmergencyShutoff {
		for _, s := range steps {
			if err := r.limits.Check(s.Channel.String(), s.Requested); err != nil {
				return Failure(cmd, validationError(cmd.Name(), err), nil)
			}
		}
	}

	r.observersMu.RLock()
	sequence, emergency := r.sequence, r.emergency
	r.observersMu.RUnlock()

	switch {
	case spec.Scope == ScopeHost:
		return r.sequenceCommand(ctx, cmd, sequence)
	case cmd.Op == OpEmergencyShutoff && emergency != nil:
		if err := emergency.Trip(ctx, "emergency shutoff command from "+string(cmd.Source)); err != nil {
			return Failure(cmd, &Error{Class: ClassSafety, Op: cmd.Name(), Err: err}, nil)
		}
		return Success(cmd)
	}

	r.execMu.Lock()
	defer r.execMu.Unlock()

	if err := ctx.Err(); err != nil {
		return Failure(cmd, &Error{Class: ClassTransport, Op: cmd.Name(), Err: err}, nil)
	}
	return r.exec.Execute(ctx, Request{Command: cmd, Values: values, Steps: steps})
}

func (r *Router) sequenceCommand(ctx context.Context, cmd Command, seq SequenceControl) Response {
	if seq == nil {
		return Failure(cmd, validationError(cmd.Name(), reasonf(ErrUnsupported, "sequencer not available on this node")), nil)
	}

	var err error
	if cmd.Op == OpStartSequence {
		err = seq.Start(ctx)
	} else {
		err = seq.Stop(ctx)
	}
	if err != nil {
		if ClassOf(err) == "" {
			err = &Error{Class: ClassSequence, Op: cmd.Name(), Err: err}
		}
		return Failure(cmd, err, nil)
	}
	return Success(cmd)
}

func (r *Router) notify(cmd Command, resp Response) {
	r.observersMu.RLock()
	observers := r.observers
	r.observersMu.RUnlock()

	for _, o := range observers {
		o.CommandCompleted(cmd, resp)
	}
}

// parseFailure builds the response for a line that never became a Command.
func parseFailure(line string, err error) Response {
	token, _, _ := strings.Cut(strings.ToUpper(strings.TrimSpace(line)), ":")
	return Response{
		Opcode: token,
		Status: StatusFailure,
		Error:  failureMessage(err),
		Class:  ClassValidation,
		Effect: EffectNone,
	}
}
