package sequencer

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/mapper"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// Triggers carried by events. Telemetry triggers are produced by the
// mapper rules bound in the table.
const (
	TriggerStart          = "start"
	TriggerStop           = "stop"
	TriggerForelineRough  = "foreline_rough"
	TriggerTurboRough     = "turbo_rough"
	TriggerForelineFault  = "foreline_fault"
	TriggerTurboHighVac   = "turbo_high_vacuum"
	TriggerMainHighVac    = "main_high_vacuum"
	TriggerTurboFault     = "turbo_fault"
	TriggerMainSteady     = "main_steady"
	TriggerVoltage10kV    = "voltage_10kv"
	TriggerCurrent5mA     = "current_5ma"
	TriggerVoltageZero    = "voltage_zero"
	TriggerClosingTimeout = "closing_timeout"
	TriggerAtmosphere     = "atmosphere"
)

// Readings is the latest-telemetry view guards evaluate against.
type Readings interface {
	Value(ch telemetry.ChannelID) (float64, bool)
}

// Guard vets a transition against the latest telemetry.
type Guard func(r Readings) error

// Transition is one row of the table. Forward transitions advance the
// startup procedure and are refused while the target link is down.
type Transition struct {
	From    State  `json:"from"`
	Trigger string `json:"trigger"`
	To      State  `json:"to"`
	Forward bool   `json:"forward"`
	Guard   Guard  `json:"-"`
}

// Outputs are the actuator settings a state holds. Valves are keyed by
// valve number; missing valves are closed.
type Outputs struct {
	MechanicalPump int
	TurboPump      int
	Valves         map[int]int
	SupplyKV       float64
}

// Commands returns the commands that establish o. De-energised outputs
// drop the supply first; energised outputs raise it last.
func (o Outputs) Commands() []command.Command {
	valve := func(id int) command.Command { return command.SetValve(id, o.Valves[id]) }
	supply := command.SetVoltage(o.SupplyKV * 1000)

	var cmds []command.Command
	if o.SupplyKV == 0 {
		cmds = append(cmds, supply)
		for _, id := range []int{command.ValveDeuterium, command.ValveMain, command.ValveForeline, command.ValveAtmosphere} {
			cmds = append(cmds, valve(id))
		}
		cmds = append(cmds, command.SetTurboPump(o.TurboPump), command.SetMechanicalPump(o.MechanicalPump))
		return cmds
	}

	cmds = append(cmds, command.SetMechanicalPump(o.MechanicalPump), command.SetTurboPump(o.TurboPump))
	for _, id := range []int{command.ValveAtmosphere, command.ValveForeline, command.ValveMain, command.ValveDeuterium} {
		cmds = append(cmds, valve(id))
	}
	return append(cmds, supply)
}

// TableOptions tunes the default table.
type TableOptions struct {
	// SettleDwell is how long a settle rule's channel must stay in band.
	SettleDwell time.Duration
}

type key struct {
	from    State
	trigger string
}

// Table is the static transition table, per-state outputs and the mapper
// rules each state listens to.
type Table struct {
	transitions map[key]Transition
	entries     map[State]Outputs
	bindings    mapper.Bindings
}

const on = 100

// DefaultTable returns the fusor startup/shutdown procedure.
func DefaultTable(opts TableOptions) *Table {
	dwell := opts.SettleDwell

	pumpsOn := func(valves map[int]int, kv float64) Outputs {
		return Outputs{MechanicalPump: on, TurboPump: on, Valves: valves, SupplyKV: kv}
	}
	fuelled := map[int]int{command.ValveForeline: on, command.ValveMain: on, command.ValveDeuterium: on}

	t := &Table{
		transitions: make(map[key]Transition),
		entries: map[State]Outputs{
			AllOff:               {},
			RoughPumpDown:        {MechanicalPump: on},
			RoughPumpDownTurbo:   {MechanicalPump: on, Valves: map[int]int{command.ValveForeline: on}},
			TurboPumpDown:        pumpsOn(map[int]int{command.ValveForeline: on}, 0),
			TurboPumpDownMain:    pumpsOn(map[int]int{command.ValveForeline: on, command.ValveMain: on}, 0),
			SettleSteadyPressure: pumpsOn(fuelled, 0),
			Settling10kV:         pumpsOn(fuelled, 10),
			AdmitFuelTo5mA:       pumpsOn(fuelled, 10),
			Nominal27kV:          pumpsOn(fuelled, 27),
			Deenergizing:         pumpsOn(map[int]int{command.ValveForeline: on, command.ValveMain: on}, 0),
			ClosingMain:          pumpsOn(map[int]int{command.ValveForeline: on}, 0),
			// Pumps stop and the atmosphere valve opens so the chamber
			// returns to atmosphere and the procedure can complete.
			VentingForeline: {Valves: map[int]int{command.ValveAtmosphere: on, command.ValveMain: on}},
		},
		bindings: mapper.Bindings{},
	}

	below := func(trigger string, ch telemetry.ChannelID, target float64) mapper.Rule {
		return mapper.Rule{Trigger: trigger, Channel: ch, Compare: mapper.AtOrBelow, Target: target}
	}
	above := func(trigger string, ch telemetry.ChannelID, target float64) mapper.Rule {
		return mapper.Rule{Trigger: trigger, Channel: ch, Compare: mapper.AtOrAbove, Target: target}
	}
	fault := func(trigger string, ch telemetry.ChannelID, target float64) mapper.Rule {
		r := above(trigger, ch, target)
		r.Kind = event.Fault
		return r
	}
	settled := func(trigger string, ch telemetry.ChannelID, target, tol float64) mapper.Rule {
		return mapper.Rule{Trigger: trigger, Channel: ch, Mode: mapper.ModeSettle, Target: target, Tolerance: tol, Dwell: dwell}
	}

	t.add(Transition{From: AllOff, Trigger: TriggerStart, To: RoughPumpDown, Forward: true})

	t.addRule(RoughPumpDown, RoughPumpDownTurbo, true, below(TriggerForelineRough, telemetry.ForelinePressure, 100))

	t.addRule(RoughPumpDownTurbo, TurboPumpDown, true, below(TriggerTurboRough, telemetry.TurboPressure, 100))
	t.addRule(RoughPumpDownTurbo, AllOff, false, fault(TriggerForelineFault, telemetry.ForelinePressure, 1000))

	t.addRule(TurboPumpDown, TurboPumpDownMain, true, below(TriggerTurboHighVac, telemetry.TurboPressure, 0.1))

	t.addRule(TurboPumpDownMain, SettleSteadyPressure, true, below(TriggerMainHighVac, telemetry.MainPressure, 0.1))
	t.addRule(TurboPumpDownMain, AllOff, false, fault(TriggerTurboFault, telemetry.TurboPressure, 100))

	t.addRule(SettleSteadyPressure, Settling10kV, true, settled(TriggerMainSteady, telemetry.MainPressure, 0.1, 0.005))
	t.addRule(Settling10kV, AdmitFuelTo5mA, true, settled(TriggerVoltage10kV, telemetry.SupplyVoltage, 10, 0.2))
	t.addRule(AdmitFuelTo5mA, Nominal27kV, true, settled(TriggerCurrent5mA, telemetry.SupplyCurrent, 5, 0.2))

	t.addRule(Deenergizing, ClosingMain, false, settled(TriggerVoltageZero, telemetry.SupplyVoltage, 0, 0.1))
	t.add(Transition{From: ClosingMain, Trigger: TriggerClosingTimeout, To: VentingForeline})
	t.addRule(VentingForeline, AllOff, false, above(TriggerAtmosphere, telemetry.AtmosphereFlag, 1))

	// STOP runs the shutdown path from wherever the procedure is.
	for _, s := range States() {
		switch {
		case s.Energized():
			t.add(Transition{From: s, Trigger: TriggerStop, To: Deenergizing})
		case s.Pumped():
			t.add(Transition{From: s, Trigger: TriggerStop, To: ClosingMain})
		}
	}
	return t
}

func (t *Table) add(tr Transition) {
	t.transitions[key{tr.From, tr.Trigger}] = tr
}

// addRule binds r to from and adds the transition it triggers, guarded by
// the rule's own condition on the latest reading. Faults are unguarded.
func (t *Table) addRule(from, to State, forward bool, r mapper.Rule) {
	t.bindings[string(from)] = append(t.bindings[string(from)], r)
	tr := Transition{From: from, Trigger: r.Trigger, To: to, Forward: forward}
	if r.Kind != event.Fault {
		tr.Guard = ruleGuard(r)
	}
	t.add(tr)
}

// ruleGuard re-checks the rule's condition against the latest reading.
// Threshold guards ignore hysteresis; they only confirm the value is still
// on the satisfying side.
func ruleGuard(r mapper.Rule) Guard {
	return func(rd Readings) error {
		v, ok := rd.Value(r.Channel)
		if !ok {
			return nil
		}
		var met bool
		switch {
		case r.Mode == mapper.ModeSettle:
			met = math.Abs(v-r.Target) <= r.Tolerance
		case r.Compare == mapper.AtOrAbove:
			met = v >= r.Target
		default:
			met = v <= r.Target
		}
		if !met {
			return fmt.Errorf("%w: %s is %g, no longer meets %s", ErrGuard, r.Channel, v, r.Trigger)
		}
		return nil
	}
}

// Lookup returns the transition for trigger in state from.
func (t *Table) Lookup(from State, trigger string) (Transition, bool) {
	tr, ok := t.transitions[key{from, trigger}]
	return tr, ok
}

// Outputs returns the actuator settings held in s.
func (t *Table) Outputs(s State) Outputs {
	return t.entries[s]
}

// SideEffects returns the commands that enter s.
func (t *Table) SideEffects(s State) []command.Command {
	return t.entries[s].Commands()
}

// Bindings returns the mapper rules per state.
func (t *Table) Bindings() mapper.Bindings {
	return t.bindings
}

// Transitions returns every row, ordered by source state then trigger.
func (t *Table) Transitions() []Transition {
	order := make(map[State]int)
	for i, s := range States() {
		order[s] = i
	}
	out := make([]Transition, 0, len(t.transitions))
	for _, tr := range t.transitions {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return order[out[i].From] < order[out[j].From]
		}
		return out[i].Trigger < out[j].Trigger
	})
	return out
}
