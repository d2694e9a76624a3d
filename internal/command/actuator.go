package command

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// Channel identifies one actuator output on the target.
type Channel int

const (
	ChannelValve1 Channel = iota + 1
	ChannelValve2
	ChannelValve3
	ChannelValve4
	ChannelValve5
	ChannelValve6
	ChannelMechanicalPump
	ChannelTurboPump
	ChannelSupplyEnable
	ChannelSupplySetpoint
	ChannelVariacSteps
)

// Named valves of the vacuum system.
const (
	ValveAtmosphere = 1
	ValveForeline   = 2
	ValveMain       = 3
	ValveDeuterium  = 4
)

func (c Channel) String() string {
	switch {
	case c >= ChannelValve1 && c <= ChannelValve6:
		return "valve" + strconv.Itoa(int(c-ChannelValve1)+1)
	case c == ChannelMechanicalPump:
		return "mech_pump"
	case c == ChannelTurboPump:
		return "turbo_pump"
	case c == ChannelSupplyEnable:
		return "supply_enable"
	case c == ChannelSupplySetpoint:
		return "supply_setpoint"
	case c == ChannelVariacSteps:
		return "variac_steps"
	}
	return fmt.Sprintf("channel_%d", int(c))
}

// ValveChannel returns the channel for a 1-based valve number.
func ValveChannel(id int) Channel {
	return ChannelValve1 + Channel(id-1)
}

// Actuator is the hardware boundary. Implementations drive GPIO, PWM or a
// serial sub-controller; value is in the channel's native unit (percent,
// 0/1, variac degrees, or stepper steps).
type Actuator interface {
	Apply(ctx context.Context, ch Channel, value float64) error
}

// Gauge serves on-demand sensor reads for the READ_* opcodes.
type Gauge interface {
	Read(ctx context.Context, ch telemetry.ChannelID) (float64, error)
}

// NodeQuantity selects what a node read reports.
type NodeQuantity uint8

const (
	NodeVoltage NodeQuantity = iota
	NodeCurrent
)

func (q NodeQuantity) String() string {
	if q == NodeCurrent {
		return "current"
	}
	return "voltage"
}

// NodeGauge serves the high-voltage stack diagnostics: the node taps and
// a raw scan of the ADC they sit on. A Gauge may also implement it.
type NodeGauge interface {
	ReadNode(ctx context.Context, node int, q NodeQuantity) (float64, error)
	ReadADC(ctx context.Context) ([]int, error)
}

// Step is one actuator write planned for a command. Requested keeps the
// value in command units so safety limits can be checked before mapping.
type Step struct {
	Channel   Channel
	Value     float64
	Requested float64
}

// safeSteps is the terminal shutdown set: supply first, then fuel and
// chamber valves, then pumps.
func safeSteps() []Step {
	steps := []Step{
		{Channel: ChannelSupplySetpoint},
		{Channel: ChannelSupplyEnable},
		{Channel: ValveChannel(ValveDeuterium)},
		{Channel: ValveChannel(ValveMain)},
		{Channel: ValveChannel(ValveForeline)},
		{Channel: ValveChannel(ValveAtmosphere)},
		{Channel: ValveChannel(5)},
		{Channel: ValveChannel(6)},
		{Channel: ChannelTurboPump},
		{Channel: ChannelMechanicalPump},
	}
	return steps
}

// plan maps a validated command to its actuator writes.
func plan(cmd Command, values []float64) []Step {
	switch cmd.Op {
	case OpSetVoltage:
		return []Step{{Channel: ChannelSupplySetpoint, Value: VoltsToVariacDegrees(values[0]), Requested: values[0]}}
	case OpSetValve:
		return []Step{{Channel: ValveChannel(cmd.Index), Value: values[0], Requested: values[0]}}
	case OpSetMechanicalPump, OpSetPumpPower:
		return []Step{{Channel: ChannelMechanicalPump, Value: values[0], Requested: values[0]}}
	case OpSetTurboPump:
		return []Step{{Channel: ChannelTurboPump, Value: values[0], Requested: values[0]}}
	case OpPowerSupplyEnable:
		return []Step{{Channel: ChannelSupplyEnable, Value: values[0], Requested: values[0]}}
	case OpPowerSupplyDisable:
		return []Step{{Channel: ChannelSupplyEnable}}
	case OpMoveVariac:
		return []Step{{Channel: ChannelVariacSteps, Value: values[0], Requested: values[0]}}
	case OpShutdown, OpEmergencyShutoff:
		return safeSteps()
	}
	return nil
}

// readChannel returns the sensor behind a READ_* opcode.
func readChannel(cmd Command, values []float64) (telemetry.ChannelID, bool) {
	switch cmd.Op {
	case OpReadSupplyVoltage:
		return telemetry.SupplyVoltage, true
	case OpReadSupplyCurrent:
		return telemetry.SupplyCurrent, true
	case OpReadNeutronCounts:
		return telemetry.NeutronCounts, true
	case OpReadPressure:
		return telemetry.PressureSensor(int(values[0]))
	}
	return 0, false
}

// ActuatorExecutor runs validated commands against local hardware. It is
// the executor used by the target's router.
type ActuatorExecutor struct {
	actuator Actuator
	gauge    Gauge
}

// NewActuatorExecutor creates an executor. gauge may be nil when the node
// has no sensors; READ_* opcodes then fail.
func NewActuatorExecutor(actuator Actuator, gauge Gauge) *ActuatorExecutor {
	return &ActuatorExecutor{actuator: actuator, gauge: gauge}
}

// Execute applies req. Steps run in order and stop at the first failure,
// except EMERGENCY_SHUTOFF which attempts every step.
func (e *ActuatorExecutor) Execute(ctx context.Context, req Request) Response {
	cmd := req.Command

	if ch, ok := readChannel(cmd, req.Values); ok {
		if e.gauge == nil {
			return Failure(cmd, &Error{Class: ClassActuation, Op: cmd.Name(), Err: reasonf(ErrUnsupported, "sensors not available")}, nil)
		}
		v, err := e.gauge.Read(ctx, ch)
		if err != nil {
			return Failure(cmd, &Error{Class: ClassActuation, Op: cmd.Name(), Err: err}, nil)
		}
		return Success(cmd, formatNumber(v))
	}
	switch cmd.Op {
	case OpReadNodeVoltage, OpReadNodeCurrent, OpReadADC:
		return e.readNode(ctx, cmd, req.Values)
	}

	bestEffort := cmd.Op == OpEmergencyShutoff
	var applied []Applied
	var firstErr error
	for _, step := range req.Steps {
		if err := e.actuator.Apply(ctx, step.Channel, step.Value); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", step.Channel, err)
			}
			if !bestEffort {
				break
			}
			continue
		}
		applied = append(applied, Applied{Channel: step.Channel.String(), Value: step.Value})
	}
	if firstErr != nil {
		return Failure(cmd, &Error{Class: ClassActuation, Op: cmd.Name(), Err: firstErr}, applied)
	}

	return Success(cmd, successValues(cmd, req.Values)...)
}

func (e *ActuatorExecutor) readNode(ctx context.Context, cmd Command, values []float64) Response {
	nodes, ok := e.gauge.(NodeGauge)
	if !ok {
		return Failure(cmd, &Error{Class: ClassActuation, Op: cmd.Name(), Err: reasonf(ErrUnsupported, "ADC not available")}, nil)
	}
	if cmd.Op == OpReadADC {
		counts, err := nodes.ReadADC(ctx)
		if err != nil {
			return Failure(cmd, &Error{Class: ClassActuation, Op: cmd.Name(), Err: err}, nil)
		}
		out := make([]string, len(counts))
		for i, c := range counts {
			out[i] = strconv.Itoa(c)
		}
		return Success(cmd, out...)
	}

	q := NodeVoltage
	if cmd.Op == OpReadNodeCurrent {
		q = NodeCurrent
	}
	v, err := nodes.ReadNode(ctx, int(values[0]), q)
	if err != nil {
		return Failure(cmd, &Error{Class: ClassActuation, Op: cmd.Name(), Err: err}, nil)
	}
	return Success(cmd, formatNumber(v))
}

// successValues echoes the accepted set-point for set-style opcodes.
func successValues(cmd Command, values []float64) []string {
	switch cmd.Op {
	case OpSetVoltage, OpSetValve, OpSetMechanicalPump, OpSetTurboPump, OpSetPumpPower, OpMoveVariac:
		return []string{formatNumber(values[0])}
	}
	return nil
}
