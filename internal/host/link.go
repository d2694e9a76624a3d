package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fusor-core/internal/telemetry"
	"github.com/nerrad567/fusor-core/internal/transport"
)

// LinkConfig describes the host's connections to the target.
type LinkConfig struct {
	// CommandAddress is the target command port.
	CommandAddress string
	// TelemetryListen and HeartbeatListen are bound locally.
	TelemetryListen string
	HeartbeatListen string
	// TargetHeartbeat is where host beacons are sent. Empty disables
	// the host beacon.
	TargetHeartbeat string

	ConnectTimeout       time.Duration
	CommandTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	MaxAttempts          int

	HeartbeatInterval time.Duration
	MissThreshold     int

	// TelemetryWindow is how long the telemetry channel may stay silent
	// before the link is lost, whatever the heartbeat says. The target
	// re-sends every channel at its refresh interval, so the window must
	// exceed it. Zero disables the telemetry watch.
	TelemetryWindow time.Duration

	Logger Logger
}

// Connectivity sources. The link is up only while none of them is down.
const (
	sourceHeartbeat = "heartbeat"
	sourceTelemetry = "telemetry"
	sourceCommands  = "command channel"
)

// Link owns the host side of the transport: two command channel clients
// (one for the router, one reserved for the safety overlay), the
// telemetry receiver and its silence monitor, the heartbeat listener and
// monitor, and the host beacon.
type Link struct {
	cfg    LinkConfig
	logger Logger

	commands  *transport.CommandClient
	emergency *transport.CommandClient
	telemetry *transport.TelemetryReceiver
	heartbeat *transport.HeartbeatListener
	monitor   *transport.Monitor
	frames    *transport.Monitor

	// down holds the sources currently reporting the target unreachable.
	mu   sync.Mutex
	down map[string]bool

	sup atomic.Pointer[Supervisor]
}

// NewLink binds the local UDP sockets. Command connections are dialled on
// first use.
func NewLink(cfg LinkConfig) (*Link, error) {
	if cfg.CommandAddress == "" {
		return nil, errors.New("host: link command address is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	l := &Link{cfg: cfg, logger: logger, down: make(map[string]bool)}

	l.monitor = transport.NewMonitor(transport.MonitorConfig{
		Interval:      cfg.HeartbeatInterval,
		MissThreshold: cfg.MissThreshold,
		OnLost:        func(silence time.Duration) { l.lost(sourceHeartbeat, silence) },
		OnRestored:    func() { l.restored(sourceHeartbeat) },
		Logger:        logger,
	})
	if cfg.TelemetryWindow > 0 {
		misses := cfg.MissThreshold
		if misses <= 0 {
			misses = 3
		}
		l.frames = transport.NewMonitor(transport.MonitorConfig{
			Interval:      cfg.TelemetryWindow / time.Duration(misses),
			MissThreshold: misses,
			OnLost:        func(silence time.Duration) { l.lost(sourceTelemetry, silence) },
			OnRestored:    func() { l.restored(sourceTelemetry) },
			Logger:        logger,
		})
	}

	l.commands = l.newClient(true)
	l.emergency = l.newClient(false)

	var err error
	l.telemetry, err = transport.ListenTelemetry(cfg.TelemetryListen, func(telemetry.Frame) {
		if l.frames != nil {
			l.frames.Mark(time.Now())
		}
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("binding telemetry: %w", err)
	}
	l.heartbeat, err = transport.ListenHeartbeat(cfg.HeartbeatListen, l.monitor, logger)
	if err != nil {
		l.telemetry.Close()
		return nil, fmt.Errorf("binding heartbeat: %w", err)
	}
	return l, nil
}

func (l *Link) newClient(reportConnectivity bool) *transport.CommandClient {
	cfg := transport.ClientConfig{
		Address:              l.cfg.CommandAddress,
		ConnectTimeout:       l.cfg.ConnectTimeout,
		CommandTimeout:       l.cfg.CommandTimeout,
		ReconnectInterval:    l.cfg.ReconnectInterval,
		MaxReconnectInterval: l.cfg.MaxReconnectInterval,
		MaxAttempts:          l.cfg.MaxAttempts,
		Logger:               l.logger,
	}
	if reportConnectivity {
		cfg.OnConnectivity = l.commandConnectivity
	}
	return transport.NewCommandClient(cfg)
}

func (l *Link) commandConnectivity(connected bool, err error) {
	if connected {
		l.restored(sourceCommands)
		return
	}
	l.logger.Warn("command channel reconnect exhausted", "error", err)
	l.lost(sourceCommands, 0)
}

// Commands is the router's command channel.
func (l *Link) Commands() *transport.CommandClient { return l.commands }

// Emergency is the safety overlay's command channel.
func (l *Link) Emergency() *transport.CommandClient { return l.emergency }

// Monitor returns the heartbeat monitor.
func (l *Link) Monitor() *transport.Monitor { return l.monitor }

// Frames returns the telemetry silence monitor, or nil when the telemetry
// watch is disabled.
func (l *Link) Frames() *transport.Monitor { return l.frames }

// Down returns the sources currently reporting the target unreachable.
func (l *Link) Down() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.down))
	for _, src := range []string{sourceHeartbeat, sourceTelemetry, sourceCommands} {
		if l.down[src] {
			out = append(out, src)
		}
	}
	return out
}

// Telemetry returns the telemetry receiver.
func (l *Link) Telemetry() *transport.TelemetryReceiver { return l.telemetry }

// Attach routes connectivity changes to sup.
func (l *Link) Attach(sup *Supervisor) { l.sup.Store(sup) }

// lost and restored hold mu across the supervisor call so reports from
// different sources reach it in the order they were decided.
func (l *Link) lost(source string, silence time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[source] = true
	if sup := l.sup.Load(); sup != nil {
		sup.LinkDown(source, silence)
	}
}

// restored clears source and reports the link up only when no other
// source still has it down.
func (l *Link) restored(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.down, source)
	if len(l.down) > 0 {
		l.logger.Info("link source recovered, waiting on others", "source", source, "down", len(l.down))
		return
	}
	if sup := l.sup.Load(); sup != nil {
		sup.LinkRestored()
	}
}

// Run runs the heartbeat machinery, the host beacon and the attached
// supervisor fed from the telemetry channel.
func (l *Link) Run(ctx context.Context) error {
	sup := l.sup.Load()
	if sup == nil {
		return errors.New("host: link has no supervisor attached")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.heartbeat.Run(ctx) })
	g.Go(func() error { return l.monitor.Run(ctx) })
	if l.frames != nil {
		g.Go(func() error { return l.frames.Run(ctx) })
	}
	if l.cfg.TargetHeartbeat != "" {
		beacon := transport.NewBeacon(transport.BeaconConfig{
			Address:  l.cfg.TargetHeartbeat,
			Role:     transport.RoleHost,
			Interval: l.cfg.HeartbeatInterval,
			State:    func() string { return string(sup.Sequencer().State()) },
			Logger:   l.logger,
		})
		g.Go(func() error { return beacon.Run(ctx) })
	}
	g.Go(func() error { return sup.Run(ctx, l.telemetry.Samples(ctx)) })
	return g.Wait()
}

// Close releases every socket.
func (l *Link) Close() error {
	return errors.Join(
		l.commands.Close(),
		l.emergency.Close(),
		l.telemetry.Close(),
		l.heartbeat.Close(),
	)
}
