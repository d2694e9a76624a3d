package target

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/telemetry"
	"github.com/nerrad567/fusor-core/internal/transport"
)

// Beacon states.
const (
	StateReady    = "ready"
	StateIsolated = "isolated"
)

// Hardware is everything the service drives. The plant simulator
// implements it, as would a GPIO/ADC driver.
type Hardware interface {
	command.Actuator
	command.Gauge
	telemetry.Sensor
}

// Logger is the logging surface of the service.
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

// Config configures a Service.
type Config struct {
	Hardware Hardware

	// CommandAddress is the command channel listen address.
	CommandAddress string
	// TelemetryAddress is the host's telemetry port.
	TelemetryAddress string
	// HeartbeatAddress is the host's heartbeat port.
	HeartbeatAddress string
	// ListenHeartbeat is where the host's beacons arrive. Empty disables
	// host monitoring.
	ListenHeartbeat string

	SampleInterval  time.Duration
	RefreshInterval time.Duration
	// Significance overrides telemetry.DefaultThresholds per channel.
	Significance map[telemetry.ChannelID]float64

	SessionIdle       time.Duration
	IdleHeartbeat     time.Duration
	HeartbeatInterval time.Duration
	MissThreshold     int

	// Limits reject out-of-range actuator commands.
	Limits command.Limits

	Logger Logger
}

// Stats is a snapshot of the service counters.
type Stats struct {
	Server    transport.ServerStats `json:"server"`
	Telemetry transport.SenderStats `json:"telemetry"`
	Beacons   uint64                `json:"beacons"`
	HostUp    bool                  `json:"host_up"`
	Commands  uint64                `json:"commands"`
	Failures  uint64                `json:"failures"`
}

// Service is the target node.
type Service struct {
	cfg    Config
	logger Logger

	router  *command.Router
	server  *transport.CommandServer
	sender  *transport.TelemetrySender
	beacon  *transport.Beacon
	monitor *transport.Monitor

	listening bool

	commands atomic.Uint64
	failures atomic.Uint64
}

// New builds the service. Nothing is bound until Run.
func New(cfg Config) (*Service, error) {
	if cfg.Hardware == nil {
		return nil, errors.New("target: hardware is required")
	}
	if cfg.CommandAddress == "" {
		return nil, errors.New("target: command address is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	s := &Service{cfg: cfg, logger: logger}
	s.router = command.NewRouter(command.NewActuatorExecutor(cfg.Hardware, cfg.Hardware), command.RouterOptions{
		Limits: cfg.Limits,
		Logger: logger,
	})
	s.router.Observe(s)

	s.server = transport.NewCommandServer(transport.ServerConfig{
		Address:       cfg.CommandAddress,
		IdleHeartbeat: cfg.IdleHeartbeat,
		SessionIdle:   cfg.SessionIdle,
		Logger:        logger,
	}, s.router)

	if cfg.TelemetryAddress != "" {
		s.sender = transport.NewTelemetrySender(transport.SenderConfig{
			Address:  cfg.TelemetryAddress,
			Interval: cfg.SampleInterval,
			Filter:   telemetry.NewFilter(cfg.Significance, cfg.RefreshInterval),
			Logger:   logger,
		}, cfg.Hardware)
	}

	if cfg.ListenHeartbeat != "" {
		s.monitor = transport.NewMonitor(transport.MonitorConfig{
			Interval:      cfg.HeartbeatInterval,
			MissThreshold: cfg.MissThreshold,
			OnLost: func(silence time.Duration) {
				logger.Warn("host link lost", "silence", silence.String())
			},
			OnRestored: func() { logger.Info("host link restored") },
			Logger:     logger,
		})
	}

	if cfg.HeartbeatAddress != "" {
		s.beacon = transport.NewBeacon(transport.BeaconConfig{
			Address:  cfg.HeartbeatAddress,
			Role:     transport.RoleTarget,
			Interval: cfg.HeartbeatInterval,
			State:    s.state,
			Logger:   logger,
		})
	}
	return s, nil
}

// Listen binds the command channel so Addr is known before Run. Sessions
// are served with ctx. Run calls it when the caller has not.
func (s *Service) Listen(ctx context.Context) error {
	if s.listening {
		return nil
	}
	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("starting command server: %w", err)
	}
	s.listening = true
	return nil
}

// Run serves until ctx is cancelled or a component fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	defer s.server.Close()

	g, ctx := errgroup.WithContext(ctx)
	if s.sender != nil {
		g.Go(func() error { return s.sender.Run(ctx) })
	}
	if s.beacon != nil {
		g.Go(func() error { return s.beacon.Run(ctx) })
	}
	if s.monitor != nil {
		listener, err := transport.ListenHeartbeat(s.cfg.ListenHeartbeat, s.monitor, s.logger)
		if err != nil {
			return fmt.Errorf("starting heartbeat listener: %w", err)
		}
		defer listener.Close()
		g.Go(func() error { return listener.Run(ctx) })
		g.Go(func() error { return s.monitor.Run(ctx) })
	}

	s.logger.Info("target service running", "command_address", s.server.Addr().String())
	err := g.Wait()
	s.logger.Info("target service stopped", "commands", s.commands.Load(), "failures", s.failures.Load())
	return err
}

// CommandCompleted implements command.Observer.
func (s *Service) CommandCompleted(cmd command.Command, resp command.Response) {
	s.commands.Add(1)
	if !resp.OK() {
		s.failures.Add(1)
	}
}

// Router returns the service's command router.
func (s *Service) Router() *command.Router { return s.router }

// Addr returns the command channel address. Valid after Listen.
func (s *Service) Addr() string {
	if a := s.server.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Server:   s.server.Stats(),
		HostUp:   s.hostUp(),
		Commands: s.commands.Load(),
		Failures: s.failures.Load(),
	}
	if s.sender != nil {
		st.Telemetry = s.sender.Stats()
	}
	if s.beacon != nil {
		st.Beacons = s.beacon.Sent()
	}
	return st
}

func (s *Service) hostUp() bool {
	return s.monitor == nil || s.monitor.Connected()
}

func (s *Service) state() string {
	if s.hostUp() {
		return StateReady
	}
	return StateIsolated
}
