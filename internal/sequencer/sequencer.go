package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

const (
	defaultQueueSize      = 64
	defaultHistorySize    = 256
	defaultClosingTimeout = 5 * time.Second
)

// Logger is the logging surface the sequencer needs.
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

// Dispatcher executes side-effect commands. The host command router
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) command.Response
}

// Binder is told about every committed state so it can swap the active
// telemetry rules. The mapper implements it.
type Binder interface {
	SetState(state string, epoch uint64)
}

// Config configures a Sequencer.
type Config struct {
	Table      *Table
	Dispatcher Dispatcher

	// Readings backs transition guards. Nil skips guards.
	Readings Readings
	// Binder receives the initial state and every commit. Optional.
	Binder Binder
	// Limits are telemetry safety limits checked before forward
	// transitions. Keys are channel names.
	Limits command.Limits

	// QueueSize bounds pending events. Default: 64.
	QueueSize int
	// HistorySize bounds the history ring. Default: 256.
	HistorySize int
	// ClosingTimeout is the dwell in CLOSING_MAIN. Default: 5 seconds.
	ClosingTimeout time.Duration

	// Escalate is offered every failed transition. The safety overlay
	// decides whether it trips. Optional.
	Escalate func(event.Event)

	Logger Logger
}

// Snapshot is a copy of the committed sequencer status.
type Snapshot struct {
	State           State     `json:"state"`
	Since           time.Time `json:"since"`
	Epoch           uint64    `json:"epoch"`
	TransitioningTo State     `json:"transitioning_to,omitempty"`
	Connected       bool      `json:"connected"`
	Halted          bool      `json:"halted,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	LastTransition  *Record   `json:"last_transition,omitempty"`
}

// StateChange is delivered to subscribers after every commit.
type StateChange struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Epoch   uint64    `json:"epoch"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
}

type request struct {
	trigger string
	reply   chan error
}

type safeRequest struct {
	reason string
	reply  chan error
}

// Sequencer drives the startup/shutdown procedure. A single goroutine
// (Run) owns the state: events and requests are processed one at a time
// to completion, and side effects run synchronously through the
// dispatcher. Readers only ever see committed state.
//
// Emergency stops take a separate path: Halt latches the sequencer so no
// further side effect is dispatched, Preempt cancels the side effects in
// flight, and ForceSafe is served ahead of any queued event and releases
// the latch.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Sequencer struct {
	cfg    Config
	table  *Table
	logger Logger

	events   chan event.Event
	requests chan request
	safe     chan safeRequest

	running atomic.Bool
	done    chan struct{}

	mu              sync.RWMutex
	state           State
	since           time.Time
	epoch           uint64
	transitioningTo State
	connected       bool
	lastErr         string
	lastTransition  *Record

	inflightMu     sync.Mutex
	inflightCancel context.CancelFunc

	// halted is set by Halt and cleared by forceSafe. dispatching is held
	// around every side-effect dispatch.
	halted      atomic.Bool
	dispatching chan struct{}

	// closing is only touched by the Run goroutine.
	closing *time.Timer

	history *ring

	subsMu  sync.Mutex
	subs    map[int]func(StateChange)
	nextSub int

	dropped atomic.Uint64
}

// New creates a sequencer in ALL_OFF. The target link is assumed up
// until a connectivity-lost event says otherwise.
func New(cfg Config) *Sequencer {
	if cfg.Table == nil {
		cfg.Table = DefaultTable(TableOptions{})
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.ClosingTimeout <= 0 {
		cfg.ClosingTimeout = defaultClosingTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Sequencer{
		cfg:         cfg,
		table:       cfg.Table,
		logger:      logger,
		events:      make(chan event.Event, cfg.QueueSize),
		requests:    make(chan request),
		safe:        make(chan safeRequest, 1),
		dispatching: make(chan struct{}, 1),
		done:        make(chan struct{}),
		state:       AllOff,
		since:       time.Now(),
		epoch:       1,
		connected:   true,
		history:     newRing(cfg.HistorySize),
		subs:        make(map[int]func(StateChange)),
	}
}

// Run processes events until ctx is cancelled. It may only be called once.
func (s *Sequencer) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("sequencer: already running")
	}
	defer close(s.done)
	defer s.stopClosingTimer()

	s.mu.RLock()
	state, epoch := s.state, s.epoch
	s.mu.RUnlock()
	if s.cfg.Binder != nil {
		s.cfg.Binder.SetState(string(state), epoch)
	}
	s.logger.Info("sequencer started", "state", state)

	for {
		// Emergency requests jump the queue.
		select {
		case req := <-s.safe:
			req.reply <- s.forceSafe(req.reason)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			s.logger.Info("sequencer stopped")
			return nil
		case req := <-s.safe:
			req.reply <- s.forceSafe(req.reason)
		case req := <-s.requests:
			req.reply <- s.handleRequest(ctx, req.trigger)
		case e := <-s.events:
			s.handleEvent(ctx, e)
		}
	}
}

// Post queues an event without blocking. It returns false when the queue
// is full and the event was dropped.
func (s *Sequencer) Post(e event.Event) bool {
	select {
	case s.events <- e:
		return true
	default:
		s.dropped.Add(1)
		s.logger.Warn("sequencer queue full, event dropped", "kind", e.Kind, "trigger", e.Trigger)
		return false
	}
}

// Dropped returns the number of events lost to a full queue.
func (s *Sequencer) Dropped() uint64 { return s.dropped.Load() }

// Start begins the procedure. Only valid in ALL_OFF with the target link up.
func (s *Sequencer) Start(ctx context.Context) error {
	return s.request(ctx, TriggerStart)
}

// Stop runs the shutdown path from the current state. Stopping while the
// shutdown is already under way succeeds without doing anything.
func (s *Sequencer) Stop(ctx context.Context) error {
	return s.request(ctx, TriggerStop)
}

func (s *Sequencer) request(ctx context.Context, trigger string) error {
	req := request{trigger: trigger, reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// Preempt cancels the side effects of the transition in flight, if any.
// The transition is abandoned without committing.
func (s *Sequencer) Preempt() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflightCancel != nil {
		s.inflightCancel()
	}
}

// Halt latches the sequencer ahead of an emergency stop. Once it returns
// no side effect is in flight and none will be dispatched, and events and
// requests that would transition are refused with ErrHalted, until
// ForceSafe. It waits for a dispatch already on the wire to return,
// bounded by ctx.
func (s *Sequencer) Halt(ctx context.Context) error {
	s.halted.Store(true)
	s.Preempt()
	select {
	case s.dispatching <- struct{}{}:
		<-s.dispatching
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Halted reports whether Halt has latched the sequencer.
func (s *Sequencer) Halted() bool { return s.halted.Load() }

// ForceSafe commits ALL_OFF regardless of guards and without issuing any
// command; the caller has already made the apparatus safe. It is a no-op
// in ALL_OFF.
func (s *Sequencer) ForceSafe(ctx context.Context, reason string) error {
	s.Preempt()
	req := safeRequest{reason: reason, reply: make(chan error, 1)}
	select {
	case s.safe <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// Snapshot returns the committed status.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		State:           s.state,
		Since:           s.since,
		Epoch:           s.epoch,
		TransitioningTo: s.transitioningTo,
		Connected:       s.connected,
		Halted:          s.halted.Load(),
		LastError:       s.lastErr,
	}
	if s.lastTransition != nil {
		rec := *s.lastTransition
		snap.LastTransition = &rec
	}
	return snap
}

// State returns the committed state.
func (s *Sequencer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// History returns recent records, oldest first.
func (s *Sequencer) History() []Record {
	return s.history.list()
}

// Table returns the transition table in use.
func (s *Sequencer) Table() *Table { return s.table }

// Subscribe registers fn for state changes and returns a function that
// removes it. fn is called on the sequencer goroutine and must not block.
func (s *Sequencer) Subscribe(fn func(StateChange)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// ─── Loop internals ─────────────────────────────────────────────────

func (s *Sequencer) handleRequest(ctx context.Context, trigger string) error {
	s.mu.RLock()
	state, epoch := s.state, s.epoch
	s.mu.RUnlock()

	e := event.New(event.UserRequested, trigger)
	e.Epoch = epoch
	e.State = string(state)

	switch trigger {
	case TriggerStart:
		if state != AllOff {
			s.record(e, state, "", OutcomeRejected, ErrNotSafeState)
			return ErrNotSafeState
		}
	case TriggerStop:
		if state == AllOff {
			s.record(e, state, "", OutcomeRejected, ErrNotRunning)
			return ErrNotRunning
		}
		if state.ShuttingDown() {
			s.record(e, state, "", OutcomeIgnored, nil)
			return nil
		}
	}

	tr, ok := s.table.Lookup(state, trigger)
	if !ok {
		err := fmt.Errorf("%w: no %s transition from %s", ErrNotSafeState, trigger, state)
		s.record(e, state, "", OutcomeRejected, err)
		return err
	}
	return s.transition(ctx, tr, e)
}

func (s *Sequencer) handleEvent(ctx context.Context, e event.Event) {
	s.mu.Lock()
	state, epoch := s.state, s.epoch
	switch e.Kind {
	case event.ConnectivityLost:
		s.connected = false
	case event.ConnectivityRestored:
		s.connected = true
	}
	s.mu.Unlock()

	switch e.Kind {
	case event.ConnectivityLost, event.ConnectivityRestored:
		s.logger.Info("target link changed", "kind", e.Kind, "state", state)
		s.record(e, state, "", OutcomeNoted, nil)
		return
	}

	if e.Epoch != 0 && e.Epoch != epoch {
		s.logger.Debug("dropping stale event", "trigger", e.Trigger, "event_epoch", e.Epoch, "epoch", epoch)
		s.record(e, state, "", OutcomeStale, nil)
		return
	}

	tr, ok := s.table.Lookup(state, e.Trigger)
	if !ok {
		s.record(e, state, "", OutcomeIgnored, nil)
		return
	}
	if err := s.transition(ctx, tr, e); err != nil {
		s.logger.Warn("transition not taken", "from", tr.From, "to", tr.To, "trigger", tr.Trigger, "error", err)
	}
}

// transition runs tr to completion: checks, side effects in order, commit.
// The first failed side effect aborts with the state unchanged; nothing
// already applied is rolled back.
func (s *Sequencer) transition(ctx context.Context, tr Transition, e event.Event) error {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()

	if s.halted.Load() {
		s.record(e, tr.From, tr.To, OutcomePreempted, ErrHalted)
		return ErrHalted
	}
	if tr.Forward && !connected {
		s.record(e, tr.From, tr.To, OutcomeRejected, ErrDisconnected)
		return ErrDisconnected
	}
	if tr.Forward {
		if err := s.checkLimits(); err != nil {
			s.record(e, tr.From, tr.To, OutcomeGuardFailed, err)
			return err
		}
	}
	if tr.Guard != nil && s.cfg.Readings != nil {
		if err := tr.Guard(s.cfg.Readings); err != nil {
			s.record(e, tr.From, tr.To, OutcomeGuardFailed, err)
			return err
		}
	}

	tctx, cancel := context.WithCancel(ctx)
	s.beginInflight(tr.To, cancel)
	defer s.endInflight(cancel)

	s.logger.Info("transition started", "from", tr.From, "to", tr.To, "trigger", tr.Trigger)
	for _, cmd := range s.table.SideEffects(tr.To) {
		cmd.Source = command.SourceSequencer
		resp, ok := s.dispatch(tctx, cmd)
		if !ok {
			s.record(e, tr.From, tr.To, OutcomePreempted, ErrHalted)
			return ErrHalted
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tctx.Err() != nil {
			s.record(e, tr.From, tr.To, OutcomePreempted, ErrPreempted)
			return ErrPreempted
		}
		if !resp.OK() {
			return s.fail(e, tr, cmd, resp)
		}
	}
	if tctx.Err() != nil {
		s.record(e, tr.From, tr.To, OutcomePreempted, ErrPreempted)
		return ErrPreempted
	}
	if s.halted.Load() {
		s.record(e, tr.From, tr.To, OutcomePreempted, ErrHalted)
		return ErrHalted
	}

	s.commit(tr.To, e)
	return nil
}

// dispatch sends one side effect under the dispatching semaphore. It
// returns false without sending when the sequencer is halted.
func (s *Sequencer) dispatch(ctx context.Context, cmd command.Command) (command.Response, bool) {
	s.dispatching <- struct{}{}
	defer func() { <-s.dispatching }()
	if s.halted.Load() {
		return command.Response{}, false
	}
	return s.cfg.Dispatcher.Dispatch(ctx, cmd), true
}

func (s *Sequencer) fail(e event.Event, tr Transition, cmd command.Command, resp command.Response) error {
	err := fmt.Errorf("%w: %s -> %s: %s: %s", ErrTransitionFailed, tr.From, tr.To, cmd, resp.Error)

	s.mu.Lock()
	s.lastErr = err.Error()
	epoch := s.epoch
	s.mu.Unlock()

	s.logger.Error("transition failed", "from", tr.From, "to", tr.To, "command", cmd.String(), "class", resp.Class, "error", resp.Error)
	s.record(e, tr.From, tr.To, OutcomeFailed, err)

	failed := event.New(event.TransitionFailed, tr.Trigger)
	failed.Epoch = epoch
	failed.State = string(tr.From)
	failed.Class = resp.Class
	failed.Message = err.Error()
	s.history.add(Record{Event: failed, From: tr.From, To: tr.To, Outcome: OutcomeNoted, At: failed.Timestamp})
	if s.cfg.Escalate != nil {
		s.cfg.Escalate(failed)
	}
	return err
}

func (s *Sequencer) checkLimits() error {
	if len(s.cfg.Limits) == 0 || s.cfg.Readings == nil {
		return nil
	}
	for _, ch := range telemetry.Channels() {
		v, ok := s.cfg.Readings.Value(ch)
		if !ok {
			continue
		}
		if !s.cfg.Limits.Within(ch.String(), v) {
			lim := s.cfg.Limits[ch.String()]
			return fmt.Errorf("%w: %s %g outside safety limit %g-%g", ErrGuard, ch, v, lim.Min, lim.Max)
		}
	}
	return nil
}

func (s *Sequencer) beginInflight(to State, cancel context.CancelFunc) {
	s.inflightMu.Lock()
	s.inflightCancel = cancel
	s.inflightMu.Unlock()

	s.mu.Lock()
	s.transitioningTo = to
	s.mu.Unlock()
}

func (s *Sequencer) endInflight(cancel context.CancelFunc) {
	s.inflightMu.Lock()
	s.inflightCancel = nil
	s.inflightMu.Unlock()
	cancel()

	s.mu.Lock()
	s.transitioningTo = ""
	s.mu.Unlock()
}

// forceSafe runs on the loop goroutine.
func (s *Sequencer) forceSafe(reason string) error {
	s.mu.RLock()
	state, epoch := s.state, s.epoch
	s.mu.RUnlock()

	e := event.New(event.EmergencyTriggered, "")
	e.Epoch = epoch
	e.State = string(state)
	e.Message = reason

	s.halted.Store(false)
	if state == AllOff {
		s.record(e, state, "", OutcomeIgnored, nil)
		return nil
	}
	s.logger.Warn("forcing safe state", "from", state, "reason", reason)
	s.commit(AllOff, e)
	return nil
}

// commit makes to the current state. Loop goroutine only.
func (s *Sequencer) commit(to State, e event.Event) {
	now := time.Now()

	s.mu.Lock()
	from := s.state
	s.state = to
	s.since = now
	s.epoch++
	epoch := s.epoch
	rec := Record{Event: e, From: from, To: to, Outcome: OutcomeTransitioned, At: now}
	s.lastTransition = &rec
	// Rebind under the lock so no reader sees the new state with the old
	// rules still active.
	if s.cfg.Binder != nil {
		s.cfg.Binder.SetState(string(to), epoch)
	}
	s.mu.Unlock()

	s.stopClosingTimer()
	if to == ClosingMain {
		s.closing = time.AfterFunc(s.cfg.ClosingTimeout, func() {
			te := event.New(event.TimeoutElapsed, TriggerClosingTimeout)
			te.Epoch = epoch
			te.State = string(ClosingMain)
			s.Post(te)
		})
	}

	s.history.add(rec)
	s.logger.Info("state committed", "from", from, "to", to, "trigger", e.Trigger, "epoch", epoch)
	s.notify(StateChange{From: from, To: to, Epoch: epoch, Trigger: triggerOf(e), At: now})
}

func (s *Sequencer) stopClosingTimer() {
	if s.closing != nil {
		s.closing.Stop()
		s.closing = nil
	}
}

func (s *Sequencer) record(e event.Event, from, to State, outcome Outcome, err error) {
	rec := Record{Event: e, From: from, To: to, Outcome: outcome, At: time.Now()}
	if err != nil {
		rec.Error = err.Error()
	}
	s.history.add(rec)
}

func (s *Sequencer) notify(change StateChange) {
	s.subsMu.Lock()
	subs := make([]func(StateChange), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("state subscriber panicked", "panic", r)
				}
			}()
			fn(change)
		}()
	}
}

func triggerOf(e event.Event) string {
	if e.Trigger != "" {
		return e.Trigger
	}
	return string(e.Kind)
}
