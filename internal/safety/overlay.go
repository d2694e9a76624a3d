package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/sequencer"
)

const defaultCommandTimeout = 2 * time.Second

// Logger is the logging surface the overlay needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Sender delivers one command to the target. The overlay's dedicated
// transport.CommandClient implements it.
type Sender interface {
	Send(ctx context.Context, cmd command.Command) command.Response
}

// Sequencer is the part of the sequencer the overlay drives.
type Sequencer interface {
	Snapshot() sequencer.Snapshot
	Halt(ctx context.Context) error
	ForceSafe(ctx context.Context, reason string) error
}

// Config configures an Overlay.
type Config struct {
	Sender    Sender
	Sequencer Sequencer

	// EscalateOn lists the event escalation classes that trip the overlay
	// (validation, transport, actuation, sequence, safety, fault).
	EscalateOn []string

	// SafeSet is sent after EMERGENCY_SHUTOFF. Default: the ALL_OFF
	// outputs of the default sequence table.
	SafeSet []command.Command

	// CommandTimeout bounds each shutoff command. Default: 2 seconds.
	CommandTimeout time.Duration

	// OnTrip is called after every trip that acted. Optional.
	OnTrip func(Trip)

	Logger Logger
}

// Trip describes one completed emergency stop.
type Trip struct {
	Reason   string        `json:"reason"`
	From     string        `json:"from"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration_ns"`
	Failed   []string      `json:"failed,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Stats holds operational statistics.
type Stats struct {
	Trips     uint64 `json:"trips"`
	Noops     uint64 `json:"noops"`
	Escalated uint64 `json:"escalated"`
	Ignored   uint64 `json:"ignored"`
	LastTrip  *Trip  `json:"last_trip,omitempty"`
}

type tripRequest struct {
	reason string
	reply  chan error
}

// Overlay is the emergency stop path.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Overlay struct {
	cfg      Config
	logger   Logger
	escalate map[string]bool

	triggers chan tripRequest
	running  atomic.Bool
	done     chan struct{}

	trips     atomic.Uint64
	noops     atomic.Uint64
	escalated atomic.Uint64
	ignored   atomic.Uint64

	// actuations counts actuator commands that may have reached the
	// target; safeAt is its value when the apparatus was last known safe.
	actuations atomic.Uint64
	safeAt     atomic.Uint64

	mu       sync.Mutex
	lastTrip *Trip
}

// New creates an overlay. It must be started with Run.
func New(cfg Config) *Overlay {
	if cfg.SafeSet == nil {
		cfg.SafeSet = sequencer.DefaultTable(sequencer.TableOptions{}).SideEffects(sequencer.AllOff)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	escalate := make(map[string]bool, len(cfg.EscalateOn))
	for _, c := range cfg.EscalateOn {
		escalate[c] = true
	}
	return &Overlay{
		cfg:      cfg,
		logger:   logger,
		escalate: escalate,
		triggers: make(chan tripRequest, 1),
		done:     make(chan struct{}),
	}
}

// Run serves trips until ctx is cancelled.
func (o *Overlay) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("safety: already running")
	}
	defer close(o.done)

	o.logger.Info("safety overlay armed", "escalate_on", o.cfg.EscalateOn)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-o.triggers:
			err := o.trip(ctx, req.reason)
			if req.reply != nil {
				req.reply <- err
			}
		}
	}
}

// Trip performs an emergency stop and waits for it to finish. It
// implements command.EmergencyStop. In ALL_OFF with nothing in flight and
// no actuator command since the apparatus was last made safe it succeeds
// without sending anything.
func (o *Overlay) Trip(ctx context.Context, reason string) error {
	req := tripRequest{reason: reason, reply: make(chan error, 1)}
	select {
	case o.triggers <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
}

// Offer hands the overlay an event. Events whose escalation class is
// configured queue a trip without waiting for it; it returns true when
// one was queued.
func (o *Overlay) Offer(e event.Event) bool {
	class := e.Escalation()
	if class == "" || !o.escalate[class] {
		return false
	}
	reason := fmt.Sprintf("escalated %s event (%s)", e.Kind, class)
	if e.Message != "" {
		reason += ": " + e.Message
	}

	select {
	case o.triggers <- tripRequest{reason: reason}:
		o.escalated.Add(1)
		o.logger.Warn("escalating event to emergency stop", "kind", e.Kind, "class", class, "trigger", e.Trigger)
		return true
	default:
		// A trip is already queued; it covers this one.
		o.ignored.Add(1)
		o.logger.Debug("escalation dropped", "error", ErrBusy, "kind", e.Kind)
		return false
	}
}

// CommandCompleted implements command.Observer. Any actuator command that
// may have reached the target marks the apparatus as no longer known safe;
// commands rejected before sending do not.
func (o *Overlay) CommandCompleted(cmd command.Command, resp command.Response) {
	spec, ok := command.SpecFor(cmd.Op)
	if !ok || !spec.Mutating || spec.Scope != command.ScopeTarget || cmd.Op == command.OpEmergencyShutoff {
		return
	}
	if !resp.OK() && resp.Class == command.ClassValidation {
		return
	}
	o.actuations.Add(1)
}

// StateChanged marks the apparatus safe when the sequencer reaches ALL_OFF
// through its own side effects. Forced commits are left to the trip that
// caused them.
func (o *Overlay) StateChanged(c sequencer.StateChange) {
	if c.To == sequencer.AllOff && c.Trigger != string(event.EmergencyTriggered) {
		o.MarkSafe()
	}
}

// MarkSafe records that every actuator command so far has been undone.
func (o *Overlay) MarkSafe() { o.safeAt.Store(o.actuations.Load()) }

// Dirty reports whether an actuator command has been issued since the
// apparatus was last made safe.
func (o *Overlay) Dirty() bool { return o.actuations.Load() != o.safeAt.Load() }

// Escalates reports whether events of class trip the overlay.
func (o *Overlay) Escalates(class string) bool {
	return o.escalate[class]
}

// Stats returns current operational statistics.
func (o *Overlay) Stats() Stats {
	o.mu.Lock()
	var last *Trip
	if o.lastTrip != nil {
		t := *o.lastTrip
		last = &t
	}
	o.mu.Unlock()
	return Stats{
		Trips:     o.trips.Load(),
		Noops:     o.noops.Load(),
		Escalated: o.escalated.Load(),
		Ignored:   o.ignored.Load(),
		LastTrip:  last,
	}
}

// trip runs on the overlay goroutine.
func (o *Overlay) trip(ctx context.Context, reason string) error {
	snap := o.cfg.Sequencer.Snapshot()
	seen := o.actuations.Load()
	if snap.State == sequencer.AllOff && snap.TransitioningTo == "" && seen == o.safeAt.Load() {
		o.noops.Add(1)
		o.logger.Info("emergency stop in ALL_OFF, nothing to do", "reason", reason)
		return nil
	}

	start := time.Now()
	o.logger.Warn("EMERGENCY STOP", "reason", reason, "state", snap.State, "transitioning_to", snap.TransitioningTo, "dirty", o.Dirty())

	// Nothing from the sequencer may reach the target once the safe set
	// starts going out.
	hctx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	if err := o.cfg.Sequencer.Halt(hctx); err != nil {
		o.logger.Error("sequencer did not halt in time", "error", err)
	}
	cancel()

	cmds := append([]command.Command{command.New(command.OpEmergencyShutoff)}, o.cfg.SafeSet...)
	var failed []string
	for _, cmd := range cmds {
		cmd.Source = command.SourceInternal
		cctx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
		resp := o.cfg.Sender.Send(cctx, cmd)
		cancel()
		if !resp.OK() {
			failed = append(failed, cmd.String())
			o.logger.Error("shutoff command failed", "command", cmd.String(), "class", resp.Class, "error", resp.Error)
		}
	}

	var errs []error
	if len(failed) > 0 {
		errs = append(errs, fmt.Errorf("%w: %d of %d commands failed", ErrIncomplete, len(failed), len(cmds)))
	}
	if err := o.cfg.Sequencer.ForceSafe(ctx, reason); err != nil {
		errs = append(errs, fmt.Errorf("forcing ALL_OFF: %w", err))
	}
	err := errors.Join(errs...)

	// The safe set covers what was issued before it went out. A partial
	// shutoff leaves the outputs unknown.
	if len(failed) > 0 {
		o.actuations.Add(1)
	} else {
		o.safeAt.Store(seen)
	}

	t := Trip{
		Reason:   reason,
		From:     string(snap.State),
		At:       start,
		Duration: time.Since(start),
		Failed:   failed,
	}
	if err != nil {
		t.Error = err.Error()
	}
	o.trips.Add(1)
	o.mu.Lock()
	o.lastTrip = &t
	o.mu.Unlock()

	if o.cfg.OnTrip != nil {
		o.cfg.OnTrip(t)
	}
	o.logger.Warn("emergency stop complete", "from", snap.State, "duration", t.Duration.String(), "failed", len(failed))
	return err
}
