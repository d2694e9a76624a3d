package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/sequencer"
)

// ─── Mocks ──────────────────────────────────────────────────────────

type mockSender struct {
	mu     sync.Mutex
	sent   []command.Command
	failOn map[string]bool
	// onSend runs before each command is recorded.
	onSend func(command.Command)
}

func (s *mockSender) Send(_ context.Context, cmd command.Command) command.Response {
	if s.onSend != nil {
		s.onSend(cmd)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	if s.failOn[cmd.String()] {
		return command.Failure(cmd, &command.Error{Class: command.ClassTransport, Op: cmd.Name(), Err: errors.New("link down")}, nil)
	}
	return command.Success(cmd)
}

func (s *mockSender) commands() []command.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]command.Command(nil), s.sent...)
}

type mockSequencer struct {
	mu       sync.Mutex
	snap     sequencer.Snapshot
	halted   int
	forced   []string
	forceErr error
}

func (m *mockSequencer) Snapshot() sequencer.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *mockSequencer) Halt(context.Context) error {
	m.mu.Lock()
	m.halted++
	m.mu.Unlock()
	return nil
}

func (m *mockSequencer) ForceSafe(_ context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = append(m.forced, reason)
	if m.forceErr != nil {
		return m.forceErr
	}
	m.snap.State = sequencer.AllOff
	m.snap.TransitioningTo = ""
	return nil
}

func (m *mockSequencer) counts() (int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted, append([]string(nil), m.forced...)
}

func runOverlay(t *testing.T, cfg Config) *Overlay {
	t.Helper()
	o := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return o
}

// ─── Trip ───────────────────────────────────────────────────────────

func TestTrip_SendsShutoffThenSafeSet(t *testing.T) {
	sender := &mockSender{}
	seq := &mockSequencer{snap: sequencer.Snapshot{State: sequencer.Nominal27kV}}
	var trips []Trip
	o := runOverlay(t, Config{
		Sender:    sender,
		Sequencer: seq,
		OnTrip:    func(tr Trip) { trips = append(trips, tr) },
	})

	if err := o.Trip(context.Background(), "operator"); err != nil {
		t.Fatalf("Trip() error = %v", err)
	}

	cmds := sender.commands()
	safeSet := sequencer.DefaultTable(sequencer.TableOptions{}).SideEffects(sequencer.AllOff)
	if len(cmds) != 1+len(safeSet) {
		t.Fatalf("sent %d commands, want %d", len(cmds), 1+len(safeSet))
	}
	if cmds[0].String() != "EMERGENCY_SHUTOFF" {
		t.Errorf("first command = %s, want EMERGENCY_SHUTOFF", cmds[0])
	}
	if cmds[1].String() != "SET_VOLTAGE:0" {
		t.Errorf("second command = %s, want SET_VOLTAGE:0", cmds[1])
	}
	for _, c := range cmds {
		if c.Source != command.SourceInternal {
			t.Errorf("%s source = %s", c, c.Source)
		}
	}

	halted, forced := seq.counts()
	if halted != 1 || len(forced) != 1 || forced[0] != "operator" {
		t.Errorf("halted=%d forced=%v", halted, forced)
	}
	stats := o.Stats()
	if stats.Trips != 1 || stats.LastTrip == nil || stats.LastTrip.From != "NOMINAL_27KV" {
		t.Errorf("stats = %+v", stats)
	}
	if len(trips) != 1 {
		t.Errorf("OnTrip called %d times", len(trips))
	}
}

func TestTrip_IdempotentInAllOff(t *testing.T) {
	sender := &mockSender{}
	seq := &mockSequencer{snap: sequencer.Snapshot{State: sequencer.Nominal27kV}}
	o := runOverlay(t, Config{Sender: sender, Sequencer: seq})

	ctx := context.Background()
	if err := o.Trip(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	n := len(sender.commands())
	if err := o.Trip(ctx, "second"); err != nil {
		t.Fatalf("second Trip() = %v", err)
	}
	if len(sender.commands()) != n {
		t.Errorf("second trip sent %d more commands", len(sender.commands())-n)
	}
	if s := o.Stats(); s.Trips != 1 || s.Noops != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestTrip_ActsWhenTransitionInFlightFromAllOff(t *testing.T) {
	sender := &mockSender{}
	seq := &mockSequencer{snap: sequencer.Snapshot{State: sequencer.AllOff, TransitioningTo: sequencer.RoughPumpDown}}
	o := runOverlay(t, Config{Sender: sender, Sequencer: seq})

	if err := o.Trip(context.Background(), "start aborted"); err != nil {
		t.Fatal(err)
	}
	if len(sender.commands()) == 0 {
		t.Error("no commands sent while a transition was in flight")
	}
}

func TestTrip_BestEffort(t *testing.T) {
	sender := &mockSender{failOn: map[string]bool{"EMERGENCY_SHUTOFF": true, "SET_VALVE3:0": true}}
	seq := &mockSequencer{snap: sequencer.Snapshot{State: sequencer.TurboPumpDownMain}}
	o := runOverlay(t, Config{Sender: sender, Sequencer: seq})

	err := o.Trip(context.Background(), "operator")
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Trip() = %v, want ErrIncomplete", err)
	}

	safeSet := sequencer.DefaultTable(sequencer.TableOptions{}).SideEffects(sequencer.AllOff)
	if got := len(sender.commands()); got != 1+len(safeSet) {
		t.Errorf("sent %d commands, want all %d despite failures", got, 1+len(safeSet))
	}
	if _, forced := seq.counts(); len(forced) != 1 {
		t.Error("sequencer not forced safe after partial shutoff")
	}
	if last := o.Stats().LastTrip; last == nil || len(last.Failed) != 2 {
		t.Errorf("last trip = %+v", last)
	}
}

func TestTrip_ForceSafeError(t *testing.T) {
	seq := &mockSequencer{
		snap:     sequencer.Snapshot{State: sequencer.RoughPumpDown},
		forceErr: sequencer.ErrStopped,
	}
	o := runOverlay(t, Config{Sender: &mockSender{}, Sequencer: seq})

	if err := o.Trip(context.Background(), "x"); !errors.Is(err, sequencer.ErrStopped) {
		t.Errorf("Trip() = %v, want ErrStopped", err)
	}
}

func TestTrip_NotRunning(t *testing.T) {
	o := New(Config{Sender: &mockSender{}, Sequencer: &mockSequencer{}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.Trip(ctx, "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Trip() = %v, want deadline exceeded", err)
	}
}

// ─── Actuator tracking ──────────────────────────────────────────────

func TestCommandCompleted_MarksDirty(t *testing.T) {
	setpoint := command.New(command.OpSetVoltage, 99999)
	rejected := command.Failure(setpoint, &command.Error{Class: command.ClassValidation, Op: "SET_VOLTAGE", Err: errors.New("out of range")}, nil)
	valve := command.SetValve(command.ValveMain, 100)
	lost := command.Failure(valve, &command.Error{Class: command.ClassTransport, Op: "SET_VALVE", Err: errors.New("timeout")}, nil)

	tests := []struct {
		name string
		cmd  command.Command
		resp command.Response
		want bool
	}{
		{"applied setpoint", command.New(command.OpSetVoltage, 5000), command.Success(command.New(command.OpSetVoltage, 5000)), true},
		{"transport failure may have landed", valve, lost, true},
		{"validation failure never sent", setpoint, rejected, false},
		{"read is not an actuation", command.New(command.OpReadPressure), command.Success(command.New(command.OpReadPressure)), false},
		{"host sequence command", command.New(command.OpStartSequence), command.Success(command.New(command.OpStartSequence)), false},
		{"emergency shutoff", command.New(command.OpEmergencyShutoff), command.Success(command.New(command.OpEmergencyShutoff)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(Config{Sender: &mockSender{}, Sequencer: &mockSequencer{}})
			o.CommandCompleted(tt.cmd, tt.resp)
			if got := o.Dirty(); got != tt.want {
				t.Errorf("Dirty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrip_ActsInAllOffAfterActuatorCommand(t *testing.T) {
	sender := &mockSender{}
	seq := &mockSequencer{snap: sequencer.Snapshot{State: sequencer.AllOff}}
	o := runOverlay(t, Config{Sender: sender, Sequencer: seq})

	cmd := command.New(command.OpSetMechanicalPump, 100)
	o.CommandCompleted(cmd, command.Success(cmd))

	ctx := context.Background()
	if err := o.Trip(ctx, "operator"); err != nil {
		t.Fatal(err)
	}
	safeSet := sequencer.DefaultTable(sequencer.TableOptions{}).SideEffects(sequencer.AllOff)
	if got := len(sender.commands()); got != 1+len(safeSet) {
		t.Fatalf("sent %d commands, want %d", got, 1+len(safeSet))
	}
	if o.Dirty() {
		t.Error("still dirty after a complete shutoff")
	}

	if err := o.Trip(ctx, "again"); err != nil {
		t.Fatal(err)
	}
	if got := len(sender.commands()); got != 1+len(safeSet) {
		t.Errorf("repeated trip sent %d more commands", got-1-len(safeSet))
	}
}

func TestTrip_StaysDirtyAfterPartialShutoff(t *testing.T) {
	sender := &mockSender{failOn: map[string]bool{"SET_MECHANICAL_PUMP:0": true}}
	seq := &mockSequencer{snap: sequencer.Snapshot{State: sequencer.RoughPumpDown}}
	o := runOverlay(t, Config{Sender: sender, Sequencer: seq})

	ctx := context.Background()
	if err := o.Trip(ctx, "first"); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Trip() = %v, want ErrIncomplete", err)
	}
	if !o.Dirty() {
		t.Fatal("partial shutoff left the apparatus marked safe")
	}
	n := len(sender.commands())
	_ = o.Trip(ctx, "retry")
	if len(sender.commands()) == n {
		t.Error("retry in ALL_OFF after a partial shutoff sent nothing")
	}
}

func TestTrip_CommandDuringShutoffStaysDirty(t *testing.T) {
	sender := &mockSender{}
	seq := &mockSequencer{snap: sequencer.Snapshot{State: sequencer.Nominal27kV}}
	o := runOverlay(t, Config{Sender: sender, Sequencer: seq})

	// An operator command lands on the other connection while the safe
	// set is going out.
	var once sync.Once
	sender.onSend = func(command.Command) {
		once.Do(func() {
			cmd := command.SetValve(command.ValveDeuterium, 100)
			o.CommandCompleted(cmd, command.Success(cmd))
		})
	}

	ctx := context.Background()
	if err := o.Trip(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	if !o.Dirty() {
		t.Fatal("command issued during the trip was forgotten")
	}
	n := len(sender.commands())
	if err := o.Trip(ctx, "second"); err != nil {
		t.Fatal(err)
	}
	if len(sender.commands()) == n {
		t.Error("second trip in ALL_OFF sent nothing after a command slipped in")
	}
	if o.Dirty() {
		t.Error("still dirty after the second trip")
	}
}

func TestStateChanged_ClearsOnlyOnSequencedAllOff(t *testing.T) {
	tests := []struct {
		name   string
		change sequencer.StateChange
		dirty  bool
	}{
		{"shutdown path reaches ALL_OFF", sequencer.StateChange{From: sequencer.VentingForeline, To: sequencer.AllOff, Trigger: sequencer.TriggerAtmosphere}, false},
		{"fault rule reaches ALL_OFF", sequencer.StateChange{From: sequencer.TurboPumpDownMain, To: sequencer.AllOff, Trigger: sequencer.TriggerTurboFault}, false},
		{"forced commit", sequencer.StateChange{From: sequencer.Nominal27kV, To: sequencer.AllOff, Trigger: string(event.EmergencyTriggered)}, true},
		{"forward step", sequencer.StateChange{From: sequencer.AllOff, To: sequencer.RoughPumpDown, Trigger: sequencer.TriggerStart}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(Config{Sender: &mockSender{}, Sequencer: &mockSequencer{}})
			cmd := command.New(command.OpSetTurboPump, 1)
			o.CommandCompleted(cmd, command.Success(cmd))
			o.StateChanged(tt.change)
			if got := o.Dirty(); got != tt.dirty {
				t.Errorf("Dirty() = %v, want %v", got, tt.dirty)
			}
		})
	}
}

// ─── Escalation ─────────────────────────────────────────────────────

func TestOffer_Escalation(t *testing.T) {
	tests := []struct {
		name  string
		on    []string
		event event.Event
		want  bool
	}{
		{
			name:  "actuation failure escalates",
			on:    []string{"actuation", "fault"},
			event: event.Event{Kind: event.TransitionFailed, Class: command.ClassActuation},
			want:  true,
		},
		{
			name:  "fault escalates",
			on:    []string{"fault"},
			event: event.Event{Kind: event.Fault, Trigger: "foreline_fault"},
			want:  true,
		},
		{
			name:  "link loss not configured",
			on:    []string{"actuation"},
			event: event.Event{Kind: event.ConnectivityLost},
			want:  false,
		},
		{
			name:  "link loss configured",
			on:    []string{"transport"},
			event: event.Event{Kind: event.ConnectivityLost},
			want:  true,
		},
		{
			name:  "threshold never escalates",
			on:    []string{"actuation", "transport", "sequence", "fault"},
			event: event.Event{Kind: event.ThresholdCrossed},
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Not running: an accepted offer stays queued.
			o := New(Config{Sender: &mockSender{}, Sequencer: &mockSequencer{}, EscalateOn: tt.on})
			if got := o.Offer(tt.event); got != tt.want {
				t.Errorf("Offer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOffer_TripsOverlay(t *testing.T) {
	sender := &mockSender{}
	seq := &mockSequencer{snap: sequencer.Snapshot{State: sequencer.Settling10kV}}
	o := runOverlay(t, Config{Sender: sender, Sequencer: seq, EscalateOn: []string{"actuation"}})

	e := event.New(event.TransitionFailed, "voltage_10kv")
	e.Class = command.ClassActuation
	e.Message = "SET_VOLTAGE failed"
	if !o.Offer(e) {
		t.Fatal("Offer() = false")
	}

	deadline := time.Now().Add(2 * time.Second)
	for o.Stats().Trips == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if o.Stats().Trips != 1 {
		t.Fatal("escalated event did not trip the overlay")
	}
	_, forced := seq.counts()
	if len(forced) != 1 || forced[0] == "" {
		t.Errorf("forced = %v", forced)
	}
}

func TestOffer_CoalescesWhileQueued(t *testing.T) {
	o := New(Config{Sender: &mockSender{}, Sequencer: &mockSequencer{}, EscalateOn: []string{"fault"}})
	e := event.Event{Kind: event.Fault}
	if !o.Offer(e) {
		t.Fatal("first Offer() = false")
	}
	if o.Offer(e) {
		t.Error("second Offer() queued behind a pending trip")
	}
	if s := o.Stats(); s.Escalated != 1 || s.Ignored != 1 {
		t.Errorf("stats = %+v", s)
	}
}
