// Fusor target - hardware-attached service.
//
// The target owns the actuators and sensors. It executes commands from the
// host, streams telemetry back and exchanges heartbeats with it. It never
// runs the sequence itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/infrastructure/config"
	"github.com/nerrad567/fusor-core/internal/infrastructure/logging"
	"github.com/nerrad567/fusor-core/internal/plant"
	"github.com/nerrad567/fusor-core/internal/target"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/fusor.yaml"

// errNoHardware is returned when the configuration selects real hardware.
// Only the simulated plant ships with this build.
var errNoHardware = errors.New("no hardware driver available: set target.simulator to true")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting fusor target", "version", version, "commit", commit, "build_date", date)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, "fusor-target", version)
	defer log.Close()
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	svcCfg, err := serviceConfig(cfg, log)
	if err != nil {
		return err
	}
	svc, err := target.New(svcCfg)
	if err != nil {
		return fmt.Errorf("creating target service: %w", err)
	}

	log.Info("initialisation complete", "command", svcCfg.CommandAddress, "host", cfg.Target.HostAddress)
	err = svc.Run(ctx)
	st := svc.Stats()
	log.Info("fusor target stopped", "commands", st.Commands, "failures", st.Failures, "error", err)
	return err
}

// getConfigPath returns the configuration file path.
// Uses FUSOR_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FUSOR_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func serviceConfig(cfg *config.Config, log *logging.Logger) (target.Config, error) {
	t := cfg.Target
	if !t.Simulator {
		return target.Config{}, errNoHardware
	}

	significance := make(map[telemetry.ChannelID]float64, len(t.Significance))
	for name, v := range t.Significance {
		id, ok := telemetry.ChannelByName(name)
		if !ok {
			return target.Config{}, fmt.Errorf("target.significance: %w: %q", telemetry.ErrUnknownChannel, name)
		}
		significance[id] = v
	}

	limits := make([]command.Limit, 0, len(cfg.Safety.Limits))
	for _, l := range cfg.Safety.Limits {
		limits = append(limits, command.Limit{Channel: l.Channel, Min: l.Min, Max: l.Max})
	}

	hostAddr := func(port int) string { return net.JoinHostPort(t.HostAddress, strconv.Itoa(port)) }
	listen := func(port int) string { return net.JoinHostPort(t.ListenHost, strconv.Itoa(port)) }

	log.Warn("running against the simulated plant")
	return target.Config{
		Hardware:          plant.New(plant.Config{}),
		CommandAddress:    listen(t.CommandPort),
		TelemetryAddress:  hostAddr(t.TelemetryPort),
		HeartbeatAddress:  hostAddr(t.HostHeartbeatPort),
		ListenHeartbeat:   listen(t.HeartbeatPort),
		SampleInterval:    t.SampleInterval,
		RefreshInterval:   t.RefreshInterval,
		Significance:      significance,
		SessionIdle:       t.SessionIdle,
		HeartbeatInterval: cfg.Link.Heartbeat.Interval,
		MissThreshold:     cfg.Link.Heartbeat.MissThreshold,
		Limits:            command.NewLimits(limits...),
		Logger:            log.With("component", "target"),
	}, nil
}
