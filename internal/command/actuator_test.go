package command

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/nerrad567/fusor-core/internal/telemetry"
)

type mockActuator struct {
	mu      sync.Mutex
	writes  []Applied
	failOn  map[Channel]error
	applied map[Channel]float64
}

func newMockActuator() *mockActuator {
	return &mockActuator{failOn: map[Channel]error{}, applied: map[Channel]float64{}}
}

func (m *mockActuator) Apply(_ context.Context, ch Channel, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOn[ch]; ok {
		return err
	}
	m.writes = append(m.writes, Applied{Channel: ch.String(), Value: value})
	m.applied[ch] = value
	return nil
}

type mockGauge struct {
	values map[telemetry.ChannelID]float64
}

func (g mockGauge) Read(_ context.Context, ch telemetry.ChannelID) (float64, error) {
	v, ok := g.values[ch]
	if !ok {
		return 0, errors.New("no sensor")
	}
	return v, nil
}

type mockNodeGauge struct {
	mockGauge
	nodes map[int]float64
	adc   []int
}

func (g mockNodeGauge) ReadNode(_ context.Context, node int, q NodeQuantity) (float64, error) {
	v, ok := g.nodes[node]
	if !ok {
		return 0, errors.New("ADC not initialized")
	}
	if q == NodeCurrent {
		return v / 10, nil
	}
	return v, nil
}

func (g mockNodeGauge) ReadADC(context.Context) ([]int, error) {
	if g.adc == nil {
		return nil, errors.New("ADC not initialized")
	}
	return g.adc, nil
}

func targetRouter(act Actuator, gauge Gauge) *Router {
	return NewRouter(NewActuatorExecutor(act, gauge), RouterOptions{})
}

func TestActuatorExecutor_SetCommands(t *testing.T) {
	tests := []struct {
		line    string
		wire    string
		channel Channel
		value   float64
	}{
		{"SET_VALVE3:50", "SET_VALVE3_SUCCESS:50", ChannelValve3, 50},
		{"SET_VOLTAGE:28000", "SET_VOLTAGE_SUCCESS:28000", ChannelSupplySetpoint, 360},
		{"SET_MECHANICAL_PUMP:100", "SET_MECHANICAL_PUMP_SUCCESS:100", ChannelMechanicalPump, 100},
		{"SET_PUMP_POWER:40", "SET_PUMP_POWER_SUCCESS:40", ChannelMechanicalPump, 40},
		{"SET_TURBO_PUMP:0", "SET_TURBO_PUMP_SUCCESS:0", ChannelTurboPump, 0},
		{"POWER_SUPPLY_ENABLE", "POWER_SUPPLY_ENABLE_SUCCESS", ChannelSupplyEnable, 1},
		{"POWER_SUPPLY_DISABLE", "POWER_SUPPLY_DISABLE_SUCCESS", ChannelSupplyEnable, 0},
		{"MOVE_VAR:-200", "MOVE_VAR_SUCCESS:-200", ChannelVariacSteps, -200},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			act := newMockActuator()
			r := targetRouter(act, nil)

			if got := r.HandleLine(context.Background(), tt.line, SourceUser); got != tt.wire {
				t.Errorf("HandleLine() = %q, want %q", got, tt.wire)
			}
			if v, ok := act.applied[tt.channel]; !ok || v != tt.value {
				t.Errorf("%s = %v (set=%v), want %v", tt.channel, v, ok, tt.value)
			}
		})
	}
}

func TestActuatorExecutor_Reads(t *testing.T) {
	gauge := mockGauge{values: map[telemetry.ChannelID]float64{
		telemetry.SupplyVoltage: 10.2,
		telemetry.SupplyCurrent: 5,
		telemetry.MainPressure:  0.1,
		telemetry.NeutronCounts: 42,
	}}
	r := targetRouter(newMockActuator(), gauge)

	tests := []struct {
		line string
		want string
	}{
		{"READ_POWER_SUPPLY_VOLTAGE", "READ_POWER_SUPPLY_VOLTAGE_SUCCESS:10.2"},
		{"READ_POWER_SUPPLY_CURRENT", "READ_POWER_SUPPLY_CURRENT_SUCCESS:5"},
		{"READ_PRESSURE_SENSOR:3", "READ_PRESSURE_SENSOR_SUCCESS:0.1"},
		{"READ_NEUTRON_COUNTS", "READ_NEUTRON_COUNTS_SUCCESS:42"},
		{"READ_PRESSURE_SENSOR:1", "READ_PRESSURE_SENSOR_FAILED: no sensor"},
	}
	for _, tt := range tests {
		if got := r.HandleLine(context.Background(), tt.line, SourceUser); got != tt.want {
			t.Errorf("HandleLine(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestActuatorExecutor_NodeReads(t *testing.T) {
	gauge := mockNodeGauge{nodes: map[int]float64{1: 12.5, 3: 30}, adc: []int{1023, 0, 512, 0, 0, 7, 8, 9}}
	r := targetRouter(newMockActuator(), gauge)

	tests := []struct {
		line string
		want string
	}{
		{"READ_NODE_VOLTAGE:1", "READ_NODE_VOLTAGE_SUCCESS:12.5"},
		{"READ_NODE_CURRENT:3", "READ_NODE_CURRENT_SUCCESS:3"},
		{"READ_NODE_VOLTAGE:2", "READ_NODE_VOLTAGE_FAILED: ADC not initialized"},
		{"READ_NODE_VOLTAGE:0", "READ_NODE_VOLTAGE_FAILED: node must be 1-3"},
		{"READ_NODE_CURRENT", "READ_NODE_CURRENT_FAILED: invalid format"},
		{"READ_ADC", "READ_ADC_SUCCESS:1023:0:512:0:0:7:8:9"},
	}
	for _, tt := range tests {
		if got := r.HandleLine(context.Background(), tt.line, SourceUser); got != tt.want {
			t.Errorf("HandleLine(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestActuatorExecutor_NodeReadsWithoutADC(t *testing.T) {
	r := targetRouter(newMockActuator(), mockGauge{})
	resp := r.Handle(context.Background(), "READ_ADC", SourceUser)
	if resp.OK() || resp.Error != "ADC not available" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestActuatorExecutor_ReadWithoutGauge(t *testing.T) {
	r := targetRouter(newMockActuator(), nil)
	resp := r.Handle(context.Background(), "READ_NEUTRON_COUNTS", SourceUser)
	if resp.OK() || resp.Error != "sensors not available" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestActuatorExecutor_ShutdownStopsAtFirstFailure(t *testing.T) {
	act := newMockActuator()
	act.failOn[ValveChannel(ValveMain)] = errors.New("stuck")
	r := targetRouter(act, nil)

	resp := r.Handle(context.Background(), "SHUTDOWN", SourceUser)
	if resp.OK() {
		t.Fatal("expected failure")
	}
	if resp.Effect != EffectPartial {
		t.Errorf("Effect = %q, want partial", resp.Effect)
	}
	want := []Applied{
		{Channel: "supply_setpoint", Value: 0},
		{Channel: "supply_enable", Value: 0},
		{Channel: "valve4", Value: 0},
	}
	if !reflect.DeepEqual(resp.Applied, want) {
		t.Errorf("Applied = %+v, want %+v", resp.Applied, want)
	}
	if !reflect.DeepEqual(act.writes, want) {
		t.Errorf("writes = %+v, want %+v", act.writes, want)
	}
	if got := FormatResponse(resp); got != "SHUTDOWN_FAILED: valve3: stuck [applied: supply_setpoint=0,supply_enable=0,valve4=0]" {
		t.Errorf("FormatResponse() = %q", got)
	}
}

func TestActuatorExecutor_EmergencyIsBestEffort(t *testing.T) {
	act := newMockActuator()
	act.failOn[ValveChannel(ValveMain)] = errors.New("stuck")
	r := targetRouter(act, nil)

	resp := r.Handle(context.Background(), "EMERGENCY_SHUTOFF", SourceUser)
	if resp.OK() {
		t.Fatal("expected failure to be reported")
	}
	if got, want := len(act.writes), len(safeSteps())-1; got != want {
		t.Errorf("writes = %d, want %d (every step but the failed one)", got, want)
	}
	if act.applied[ChannelMechanicalPump] != 0 {
		t.Error("mech pump not driven off")
	}
	if _, ok := act.applied[ChannelMechanicalPump]; !ok {
		t.Error("steps after the failure were skipped")
	}
}

func TestActuatorExecutor_FirstStepFailureHasNoEffect(t *testing.T) {
	act := newMockActuator()
	act.failOn[ChannelTurboPump] = errors.New("controller offline")
	r := targetRouter(act, nil)

	resp := r.Handle(context.Background(), "SET_TURBO_PUMP:100", SourceUser)
	if resp.OK() || resp.Effect != EffectNone || resp.Class != ClassActuation {
		t.Errorf("resp = %+v, want actuation failure with no effect", resp)
	}
}
