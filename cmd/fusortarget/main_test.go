package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/fusor-core/internal/infrastructure/config"
	"github.com/nerrad567/fusor-core/internal/infrastructure/logging"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("FUSOR_CONFIG", "/nonexistent/path/fusor.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestServiceConfig(t *testing.T) {
	base := config.Config{
		Target: config.TargetConfig{
			ListenHost:        "0.0.0.0",
			CommandPort:       2222,
			HostAddress:       "10.0.0.1",
			TelemetryPort:     12345,
			HeartbeatPort:     8889,
			HostHeartbeatPort: 8888,
			SampleInterval:    100 * time.Millisecond,
			Significance:      map[string]float64{"main_pressure": 0.001},
			Simulator:         true,
		},
		Safety: config.SafetyConfig{Limits: []config.SafetyLimitConfig{{Channel: "supply_setpoint", Max: 27000}}},
	}
	log := logging.Default()

	t.Run("simulator", func(t *testing.T) {
		cfg := base
		sc, err := serviceConfig(&cfg, log)
		if err != nil {
			t.Fatalf("serviceConfig() error = %v", err)
		}
		if sc.Hardware == nil {
			t.Fatal("no hardware")
		}
		if sc.CommandAddress != "0.0.0.0:2222" || sc.ListenHeartbeat != "0.0.0.0:8889" {
			t.Errorf("listen = %q, %q", sc.CommandAddress, sc.ListenHeartbeat)
		}
		if sc.TelemetryAddress != "10.0.0.1:12345" || sc.HeartbeatAddress != "10.0.0.1:8888" {
			t.Errorf("host = %q, %q", sc.TelemetryAddress, sc.HeartbeatAddress)
		}
		if sc.Significance[telemetry.MainPressure] != 0.001 {
			t.Errorf("significance = %v", sc.Significance)
		}
		if sc.Limits.Within("supply_setpoint", 28000) {
			t.Error("limits not applied")
		}
	})

	t.Run("hardware", func(t *testing.T) {
		cfg := base
		cfg.Target.Simulator = false
		if _, err := serviceConfig(&cfg, log); !errors.Is(err, errNoHardware) {
			t.Errorf("error = %v, want errNoHardware", err)
		}
	})

	t.Run("unknown significance channel", func(t *testing.T) {
		cfg := base
		cfg.Target.Significance = map[string]float64{"plasma": 1}
		if _, err := serviceConfig(&cfg, log); !errors.Is(err, telemetry.ErrUnknownChannel) {
			t.Errorf("error = %v, want ErrUnknownChannel", err)
		}
	})
}
