package sequencer

// State is one step of the startup/shutdown procedure.
type State string

const (
	AllOff               State = "ALL_OFF"
	RoughPumpDown        State = "ROUGH_PUMP_DOWN"
	RoughPumpDownTurbo   State = "RP_DOWN_TURBO"
	TurboPumpDown        State = "TURBO_PUMP_DOWN"
	TurboPumpDownMain    State = "TP_DOWN_MAIN"
	SettleSteadyPressure State = "SETTLE_STEADY_PRESSURE"
	Settling10kV         State = "SETTLING_10KV"
	AdmitFuelTo5mA       State = "ADMIT_FUEL_TO_5MA"
	Nominal27kV          State = "NOMINAL_27KV"
	Deenergizing         State = "DEENERGIZING"
	ClosingMain          State = "CLOSING_MAIN"
	VentingForeline      State = "VENTING_FORELINE"
)

// States returns every state in procedure order.
func States() []State {
	return []State{
		AllOff, RoughPumpDown, RoughPumpDownTurbo, TurboPumpDown, TurboPumpDownMain,
		SettleSteadyPressure, Settling10kV, AdmitFuelTo5mA, Nominal27kV,
		Deenergizing, ClosingMain, VentingForeline,
	}
}

// ParseState resolves a state name.
func ParseState(s string) (State, bool) {
	for _, st := range States() {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Energized reports whether the high-voltage supply is set in this state.
func (s State) Energized() bool {
	switch s {
	case Settling10kV, AdmitFuelTo5mA, Nominal27kV:
		return true
	}
	return false
}

// Pumped reports whether the state is part of pump-down before energising.
func (s State) Pumped() bool {
	switch s {
	case RoughPumpDown, RoughPumpDownTurbo, TurboPumpDown, TurboPumpDownMain, SettleSteadyPressure:
		return true
	}
	return false
}

// ShuttingDown reports whether the state belongs to the shutdown path.
func (s State) ShuttingDown() bool {
	switch s {
	case Deenergizing, ClosingMain, VentingForeline:
		return true
	}
	return false
}
