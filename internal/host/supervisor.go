package host

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/mapper"
	"github.com/nerrad567/fusor-core/internal/safety"
	"github.com/nerrad567/fusor-core/internal/sequencer"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// Logger is the logging surface the supervisor and everything it builds
// share.
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

// Config configures a Supervisor.
type Config struct {
	// Executor carries router commands to the target.
	Executor command.Executor
	// Emergency is the overlay's own path to the target. It must not
	// share a connection with Executor.
	Emergency safety.Sender

	// Table defaults to sequencer.DefaultTable with SettleDwell.
	Table       *sequencer.Table
	SettleDwell time.Duration

	// Limits apply to actuator commands in the router and to telemetry
	// before forward transitions.
	Limits     command.Limits
	Hysteresis map[telemetry.ChannelID]float64

	EscalateOn     []string
	SafetyTimeout  time.Duration
	ClosingTimeout time.Duration
	HistorySize    int
	QueueSize      int

	Logger Logger
}

// Status is the combined supervisor view served by the API.
type Status struct {
	Sequencer     sequencer.Snapshot `json:"sequencer"`
	LinkConnected bool               `json:"link_connected"`
	Telemetry     []telemetry.Sample `json:"telemetry"`
	Safety        safety.Stats       `json:"safety"`
	Samples       uint64             `json:"samples"`
	Events        uint64             `json:"events"`
}

// Supervisor is the assembled host control core.
//
// Thread Safety: all methods are safe for concurrent use.
type Supervisor struct {
	latest    *telemetry.Latest
	mapper    *mapper.Mapper
	sequencer *sequencer.Sequencer
	overlay   *safety.Overlay
	router    *command.Router
	logger    Logger

	sinks  fanout
	linkUp atomic.Bool

	samples atomic.Uint64
	events  atomic.Uint64
}

// New wires the router, mapper, sequencer and overlay together.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	table := cfg.Table
	if table == nil {
		table = sequencer.DefaultTable(sequencer.TableOptions{SettleDwell: cfg.SettleDwell})
	}

	s := &Supervisor{
		latest: telemetry.NewLatest(),
		mapper: mapper.New(table.Bindings(), mapper.Options{Hysteresis: cfg.Hysteresis}),
		logger: logger,
	}
	s.linkUp.Store(true)

	s.router = command.NewRouter(cfg.Executor, command.RouterOptions{
		Limits: cfg.Limits,
		Logger: logger,
	})
	s.sequencer = sequencer.New(sequencer.Config{
		Table:          table,
		Dispatcher:     s.router,
		Readings:       s.latest,
		Binder:         s.mapper,
		Limits:         cfg.Limits,
		QueueSize:      cfg.QueueSize,
		HistorySize:    cfg.HistorySize,
		ClosingTimeout: cfg.ClosingTimeout,
		Escalate:       s.escalate,
		Logger:         logger,
	})
	s.overlay = safety.New(safety.Config{
		Sender:         cfg.Emergency,
		Sequencer:      s.sequencer,
		EscalateOn:     cfg.EscalateOn,
		SafeSet:        table.SideEffects(sequencer.AllOff),
		CommandTimeout: cfg.SafetyTimeout,
		OnTrip:         s.sinks.trip,
		Logger:         logger,
	})
	s.router.SetSequence(s.sequencer)
	s.router.SetEmergency(s.overlay)
	s.router.Observe(s.overlay)
	s.sequencer.Subscribe(s.sinks.stateChanged)
	s.sequencer.Subscribe(s.overlay.StateChanged)
	return s
}

// AddSink registers sink for every activity interface it implements, and
// as a router observer when it implements command.Observer.
func (s *Supervisor) AddSink(sink any) error {
	matched := s.sinks.add(sink)
	if o, ok := sink.(command.Observer); ok {
		s.router.Observe(o)
		matched = true
	}
	if !matched {
		return fmt.Errorf("host: %T implements no sink interface", sink)
	}
	return nil
}

// Run runs the sequencer, the overlay and the telemetry pipeline until
// ctx is cancelled or one of them fails.
func (s *Supervisor) Run(ctx context.Context, samples iter.Seq[telemetry.Sample]) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sequencer.Run(ctx) })
	g.Go(func() error { return s.overlay.Run(ctx) })
	if samples != nil {
		g.Go(func() error {
			s.Consume(ctx, samples)
			return nil
		})
	}
	return g.Wait()
}

// Consume feeds samples through the pipeline until the sequence ends or
// ctx is cancelled.
func (s *Supervisor) Consume(ctx context.Context, samples iter.Seq[telemetry.Sample]) {
	for sample := range samples {
		s.Ingest(sample)
		if ctx.Err() != nil {
			return
		}
	}
}

// Ingest runs one sample through the pipeline.
func (s *Supervisor) Ingest(sample telemetry.Sample) {
	s.samples.Add(1)
	s.latest.Update(sample)
	s.sinks.sample(sample)

	for _, e := range s.mapper.Observe(sample) {
		s.dispatch(e)
	}
}

// LinkLost reports the target heartbeat as silent. It has the signature
// of transport.MonitorConfig.OnLost.
func (s *Supervisor) LinkLost(silence time.Duration) {
	s.LinkDown("heartbeat", silence)
}

// LinkDown reports the target link as lost because source went quiet or
// failed. Only the first report after the link was up raises an event.
func (s *Supervisor) LinkDown(source string, silence time.Duration) {
	if !s.linkUp.CompareAndSwap(true, false) {
		return
	}
	s.sinks.link(false)
	e := event.New(event.ConnectivityLost, "")
	e.Message = "no " + source
	if silence > 0 {
		e.Message += fmt.Sprintf(" for %s", silence.Round(time.Millisecond))
	}
	s.dispatch(e)
}

// LinkRestored reports the target link as alive again.
func (s *Supervisor) LinkRestored() {
	if !s.linkUp.CompareAndSwap(false, true) {
		return
	}
	s.sinks.link(true)
	s.dispatch(event.New(event.ConnectivityRestored, ""))
}

// dispatch hands e to the sequencer, the overlay and the sinks.
func (s *Supervisor) dispatch(e event.Event) {
	s.events.Add(1)
	s.sinks.event(e)
	s.sequencer.Post(e)
	s.overlay.Offer(e)
}

// escalate receives failures raised inside the sequencer. They are
// already recorded there, so they only go to the overlay and sinks.
func (s *Supervisor) escalate(e event.Event) {
	s.events.Add(1)
	s.sinks.event(e)
	s.overlay.Offer(e)
}

// Router returns the host command router.
func (s *Supervisor) Router() *command.Router { return s.router }

// Sequencer returns the sequencer.
func (s *Supervisor) Sequencer() *sequencer.Sequencer { return s.sequencer }

// Overlay returns the safety overlay.
func (s *Supervisor) Overlay() *safety.Overlay { return s.overlay }

// Handle runs one command line through the host router.
func (s *Supervisor) Handle(ctx context.Context, line string, source command.Source) command.Response {
	return s.router.Handle(ctx, line, source)
}

// History returns the sequencer's recent transition attempts, oldest first.
func (s *Supervisor) History() []sequencer.Record { return s.sequencer.History() }

// Latest returns the most recent reading per channel.
func (s *Supervisor) Latest() *telemetry.Latest { return s.latest }

// LinkConnected reports the last known target link state.
func (s *Supervisor) LinkConnected() bool { return s.linkUp.Load() }

// Status returns the combined view.
func (s *Supervisor) Status() Status {
	return Status{
		Sequencer:     s.sequencer.Snapshot(),
		LinkConnected: s.linkUp.Load(),
		Telemetry:     s.latest.All(),
		Safety:        s.overlay.Stats(),
		Samples:       s.samples.Load(),
		Events:        s.events.Load(),
	}
}
