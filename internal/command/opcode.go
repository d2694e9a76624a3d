package command

import (
	"math"
	"strconv"
	"strings"
)

// Opcode is the closed command vocabulary (version 1). Every opcode has a
// Spec entry; anything else is rejected before dispatch.
type Opcode uint8

const (
	OpUnknown Opcode = iota
	OpSetVoltage
	OpSetValve
	OpSetMechanicalPump
	OpSetTurboPump
	OpSetPumpPower
	OpPowerSupplyEnable
	OpPowerSupplyDisable
	OpMoveVariac
	OpReadSupplyVoltage
	OpReadSupplyCurrent
	OpReadPressure
	OpReadNeutronCounts
	OpReadNodeVoltage
	OpReadNodeCurrent
	OpReadADC
	OpStartup
	OpShutdown
	OpEmergencyShutoff
	OpStartSequence
	OpStopSequence
)

// VocabularyVersion identifies the opcode table revision.
const VocabularyVersion = 1

// Set-point design constants. The high-voltage supply is driven by a
// variac whose full 360 degree sweep covers 0 to MaxSupplyVolts.
const (
	MaxSupplyVolts       = 28000.0
	VariacDegreesPerVolt = 360.0 / MaxSupplyVolts
	ValveCount           = 6
	PressureSensorCount  = 3
	MaxVariacSteps       = 10000
	// Tap points on the high-voltage stack: rectifier, transformer and
	// voltage multiplier.
	NodeCount = 3
	// The target ADC is 8 channels, 10 bit.
	ADCChannelCount = 8
	ADCFullScale    = 1023
)

// VoltsToVariacDegrees maps a supply set-point to a variac position.
// The mapping is linear and pure.
func VoltsToVariacDegrees(volts float64) float64 {
	return volts * VariacDegreesPerVolt
}

// Scope says which node may execute an opcode.
type Scope uint8

const (
	// ScopeTarget opcodes reach the actuators.
	ScopeTarget Scope = iota
	// ScopeHost opcodes drive the sequencer and never cross the wire.
	ScopeHost
)

// ArgKind is the syntactic type of one argument.
type ArgKind uint8

const (
	ArgInt ArgKind = iota
	ArgFloat
	// ArgSwitch accepts 1/ON and 0/OFF.
	ArgSwitch
)

// ArgSpec declares one positional argument and its accepted range.
type ArgSpec struct {
	Name     string
	Kind     ArgKind
	Min      float64
	Max      float64
	Optional bool
	Default  float64
}

// Spec is the table entry for one opcode.
type Spec struct {
	Op   Opcode
	Name string
	// Indexed opcodes carry a numeric suffix on the wire (SET_VALVE3).
	Indexed  bool
	IndexMin int
	IndexMax int
	Args     []ArgSpec
	Scope    Scope
	// Mutating opcodes change actuator state; reads do not.
	Mutating bool
}

func percent(name string) []ArgSpec {
	return []ArgSpec{{Name: name, Kind: ArgInt, Min: 0, Max: 100}}
}

var specs = map[Opcode]Spec{
	OpSetVoltage: {
		Name:     "SET_VOLTAGE",
		Args:     []ArgSpec{{Name: "voltage", Kind: ArgFloat, Min: 0, Max: MaxSupplyVolts}},
		Mutating: true,
	},
	OpSetValve: {
		Name:     "SET_VALVE",
		Indexed:  true,
		IndexMin: 1,
		IndexMax: ValveCount,
		Args:     percent("position"),
		Mutating: true,
	},
	OpSetMechanicalPump: {Name: "SET_MECHANICAL_PUMP", Args: percent("power"), Mutating: true},
	OpSetTurboPump:      {Name: "SET_TURBO_PUMP", Args: percent("power"), Mutating: true},
	OpSetPumpPower:      {Name: "SET_PUMP_POWER", Args: percent("power"), Mutating: true},
	OpPowerSupplyEnable: {
		Name:     "POWER_SUPPLY_ENABLE",
		Args:     []ArgSpec{{Name: "state", Kind: ArgSwitch, Min: 0, Max: 1, Optional: true, Default: 1}},
		Mutating: true,
	},
	OpPowerSupplyDisable: {Name: "POWER_SUPPLY_DISABLE", Mutating: true},
	OpMoveVariac: {
		Name:     "MOVE_VAR",
		Args:     []ArgSpec{{Name: "steps", Kind: ArgInt, Min: -MaxVariacSteps, Max: MaxVariacSteps}},
		Mutating: true,
	},
	OpReadSupplyVoltage: {Name: "READ_POWER_SUPPLY_VOLTAGE"},
	OpReadSupplyCurrent: {Name: "READ_POWER_SUPPLY_CURRENT"},
	OpReadPressure: {
		Name: "READ_PRESSURE_SENSOR",
		Args: []ArgSpec{{Name: "sensor", Kind: ArgInt, Min: 1, Max: PressureSensorCount}},
	},
	OpReadNeutronCounts: {Name: "READ_NEUTRON_COUNTS"},
	OpReadNodeVoltage: {
		Name: "READ_NODE_VOLTAGE",
		Args: []ArgSpec{{Name: "node", Kind: ArgInt, Min: 1, Max: NodeCount}},
	},
	OpReadNodeCurrent: {
		Name: "READ_NODE_CURRENT",
		Args: []ArgSpec{{Name: "node", Kind: ArgInt, Min: 1, Max: NodeCount}},
	},
	OpReadADC:          {Name: "READ_ADC"},
	OpStartup:          {Name: "STARTUP"},
	OpShutdown:         {Name: "SHUTDOWN", Mutating: true},
	OpEmergencyShutoff: {Name: "EMERGENCY_SHUTOFF", Mutating: true},
	OpStartSequence:    {Name: "START_SEQUENCE", Scope: ScopeHost},
	OpStopSequence:     {Name: "STOP_SEQUENCE", Scope: ScopeHost},
}

// byName is the reverse index used by the parser. Indexed opcodes are
// matched by prefix in lookupOpcode.
var byName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(specs))
	for op, s := range specs {
		s.Op = op
		specs[op] = s
		if !s.Indexed {
			m[s.Name] = op
		}
	}
	return m
}()

// SpecFor returns the table entry for op.
func SpecFor(op Opcode) (Spec, bool) {
	s, ok := specs[op]
	return s, ok
}

// Opcodes returns every opcode in the vocabulary in declaration order.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(specs))
	for op := OpSetVoltage; op <= OpStopSequence; op++ {
		ops = append(ops, op)
	}
	return ops
}

func (op Opcode) String() string {
	if s, ok := specs[op]; ok {
		return s.Name
	}
	return "UNKNOWN"
}

// lookupOpcode resolves a wire token (already upper-cased) to an opcode
// and, for indexed opcodes, its suffix. A missing or non-numeric suffix
// yields index -1 so validation can report it.
func lookupOpcode(token string) (Opcode, int, bool) {
	if op, ok := byName[token]; ok {
		return op, 0, true
	}
	valve := specs[OpSetValve].Name
	if rest, ok := strings.CutPrefix(token, valve); ok {
		if rest == "" {
			return OpSetValve, -1, true
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			return OpUnknown, 0, false
		}
		return OpSetValve, n, true
	}
	return OpUnknown, 0, false
}

// check validates args against the table entry and returns them as numbers.
// Optional trailing arguments take their default.
func (s Spec) check(index int, args []string) ([]float64, error) {
	if s.Indexed && (index < s.IndexMin || index > s.IndexMax) {
		return nil, reasonf(ErrOutOfRange, "index must be %d-%d", s.IndexMin, s.IndexMax)
	}

	required := 0
	for _, a := range s.Args {
		if !a.Optional {
			required++
		}
	}
	if len(args) < required || len(args) > len(s.Args) {
		return nil, reasonf(ErrInvalidFormat, "invalid format")
	}

	values := make([]float64, len(s.Args))
	for i, a := range s.Args {
		if i >= len(args) {
			values[i] = a.Default
			continue
		}
		v, err := a.parse(args[i])
		if err != nil {
			return nil, err
		}
		if v < a.Min || v > a.Max {
			return nil, reasonf(ErrOutOfRange, "%s must be %s-%s", a.Name, formatNumber(a.Min), formatNumber(a.Max))
		}
		values[i] = v
	}
	return values, nil
}

func (a ArgSpec) parse(raw string) (float64, error) {
	switch a.Kind {
	case ArgSwitch:
		switch strings.ToUpper(raw) {
		case "1", "ON":
			return 1, nil
		case "0", "OFF":
			return 0, nil
		}
		return 0, reasonf(ErrInvalidFormat, "%s must be 1, 0, ON or OFF", a.Name)
	case ArgInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, reasonf(ErrInvalidFormat, "%s must be an integer", a.Name)
		}
		return float64(n), nil
	default:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, reasonf(ErrInvalidFormat, "%s must be a number", a.Name)
		}
		return f, nil
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
