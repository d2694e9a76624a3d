package host

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/plant"
	"github.com/nerrad567/fusor-core/internal/sequencer"
	"github.com/nerrad567/fusor-core/internal/target"
)

func TestNewLink_RequiresAddress(t *testing.T) {
	if _, err := NewLink(LinkConfig{}); err == nil {
		t.Error("NewLink() without a command address succeeded")
	}
}

func TestLinkRun_RequiresSupervisor(t *testing.T) {
	l, err := NewLink(LinkConfig{
		CommandAddress:  "127.0.0.1:1",
		TelemetryListen: "127.0.0.1:0",
		HeartbeatListen: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("NewLink() error = %v", err)
	}
	defer l.Close()
	if err := l.Run(context.Background()); err == nil {
		t.Error("Run() without a supervisor succeeded")
	}
}

// ─── Connectivity sources ───────────────────────────────────────────

func newAttachedLink(t *testing.T, cfg LinkConfig) (*Link, *Supervisor) {
	t.Helper()
	cfg.CommandAddress = "127.0.0.1:1"
	cfg.TelemetryListen = "127.0.0.1:0"
	cfg.HeartbeatListen = "127.0.0.1:0"
	l, err := NewLink(cfg)
	if err != nil {
		t.Fatalf("NewLink() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	sup, _ := runSupervisor(t, Config{Executor: &mockExecutor{}, Emergency: &mockSender{}})
	l.Attach(sup)
	return l, sup
}

func TestLink_TelemetrySilenceLosesLinkDespiteHeartbeat(t *testing.T) {
	l, sup := newAttachedLink(t, LinkConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		MissThreshold:     3,
		TelemetryWindow:   60 * time.Millisecond,
	})
	if l.Frames() == nil {
		t.Fatal("Frames() = nil with a telemetry window set")
	}

	// Beacons keep arriving; telemetry frames stop.
	later := time.Now().Add(time.Second)
	l.Monitor().Mark(later)
	l.Monitor().Check(later)
	l.Frames().Check(later)

	if sup.LinkConnected() {
		t.Fatal("link up with telemetry silent")
	}
	if got := l.Down(); !slices.Equal(got, []string{sourceTelemetry}) {
		t.Errorf("Down() = %v, want [telemetry]", got)
	}
	waitFor(t, "sequencer disconnected", func() bool { return !sup.Sequencer().Snapshot().Connected })
	if err := sup.Sequencer().Start(context.Background()); !errors.Is(err, sequencer.ErrDisconnected) {
		t.Errorf("Start() with telemetry silent = %v, want ErrDisconnected", err)
	}

	l.Frames().Mark(time.Now())
	if !sup.LinkConnected() {
		t.Error("link still down after telemetry resumed")
	}
	waitFor(t, "sequencer reconnected", func() bool { return sup.Sequencer().Snapshot().Connected })
}

func TestLink_TelemetryWatchDisabled(t *testing.T) {
	l, _ := newAttachedLink(t, LinkConfig{})
	if l.Frames() != nil {
		t.Error("Frames() != nil without a telemetry window")
	}
}

func TestLink_RestoresOnlyWhenEverySourceIsUp(t *testing.T) {
	l, sup := newAttachedLink(t, LinkConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		MissThreshold:     3,
	})

	l.Monitor().Check(time.Now().Add(time.Second))
	if sup.LinkConnected() {
		t.Fatal("link up after heartbeat loss")
	}

	// A command channel reconnect alone must not bring the link back.
	l.commandConnectivity(false, errors.New("refused"))
	l.commandConnectivity(true, nil)
	if sup.LinkConnected() {
		t.Fatal("command reconnect restored the link while the heartbeat is lost")
	}
	if got := l.Down(); !slices.Equal(got, []string{sourceHeartbeat}) {
		t.Errorf("Down() = %v, want [heartbeat]", got)
	}

	l.Monitor().Mark(time.Now())
	if !sup.LinkConnected() {
		t.Error("link down with every source up")
	}
	if got := l.Down(); len(got) != 0 {
		t.Errorf("Down() = %v, want none", got)
	}
}

// TestLink_AgainstSimulatedTarget runs the host against a target service
// driving the plant simulator at accelerated time.
func TestLink_AgainstSimulatedTarget(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end run")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := NewLink(LinkConfig{
		CommandAddress:    "127.0.0.1:0",
		TelemetryListen:   "127.0.0.1:0",
		HeartbeatListen:   "127.0.0.1:0",
		CommandTimeout:    time.Second,
		ReconnectInterval: 10 * time.Millisecond,
		MaxAttempts:       3,
		HeartbeatInterval: 20 * time.Millisecond,
		MissThreshold:     10,
	})
	if err != nil {
		t.Fatalf("NewLink() error = %v", err)
	}
	defer l.Close()

	p := plant.New(plant.Config{TimeScale: 10})
	svc, err := target.New(target.Config{
		Hardware:          p,
		CommandAddress:    "127.0.0.1:0",
		TelemetryAddress:  l.Telemetry().Addr().String(),
		HeartbeatAddress:  l.heartbeat.Addr().String(),
		SampleInterval:    10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("target.New() error = %v", err)
	}
	if err := svc.Listen(ctx); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go svc.Run(ctx)

	// The command address is only known once the target listens.
	l.commands.Close()
	l.emergency.Close()
	l.cfg.CommandAddress = svc.Addr()
	l.commands = l.newClient(true)
	l.emergency = l.newClient(false)

	sup := New(Config{Executor: l.Commands(), Emergency: l.Emergency()})
	l.Attach(sup)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	if got := sup.Router().HandleLine(ctx, "START_SEQUENCE", command.SourceUser); got != "START_SEQUENCE_SUCCESS" {
		t.Fatalf("START_SEQUENCE = %q", got)
	}
	// With no settle dwell the procedure may run on past TP_DOWN_MAIN.
	pumped := map[sequencer.State]bool{
		sequencer.TurboPumpDownMain:    true,
		sequencer.SettleSteadyPressure: true,
		sequencer.Settling10kV:         true,
		sequencer.AdmitFuelTo5mA:       true,
		sequencer.Nominal27kV:          true,
	}
	waitFor10s(t, "main chamber pump-down", func() bool { return pumped[sup.Sequencer().State()] })

	if got := p.Output(command.ValveChannel(command.ValveMain)); got != 100 {
		t.Errorf("main valve = %g in %s", got, sup.Sequencer().State())
	}
	if !sup.LinkConnected() {
		t.Error("link reported down during the run")
	}

	if got := sup.Router().HandleLine(ctx, "EMERGENCY_SHUTOFF", command.SourceUser); got != "EMERGENCY_SHUTOFF_SUCCESS" {
		t.Fatalf("EMERGENCY_SHUTOFF = %q", got)
	}
	if sup.Sequencer().State() != sequencer.AllOff {
		t.Errorf("state = %s after shutoff", sup.Sequencer().State())
	}
	if p.Output(command.ChannelMechanicalPump) != 0 || p.Output(command.ValveChannel(command.ValveMain)) != 0 {
		t.Error("plant not safed")
	}

	cancel()
	<-done
}

func waitFor10s(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
