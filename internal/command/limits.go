package command

// Limit bounds one channel. Actuator limits are expressed in command units
// (volts for supply_setpoint, percent for valves and pumps); telemetry
// limits in the channel's engineering unit.
type Limit struct {
	Channel string  `json:"channel"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Limits is a static, read-only set of safety limits keyed by channel name.
type Limits map[string]Limit

// NewLimits indexes limits by channel. Later entries override earlier ones.
func NewLimits(limits ...Limit) Limits {
	l := make(Limits, len(limits))
	for _, lim := range limits {
		l[lim.Channel] = lim
	}
	return l
}

// Within reports whether v is inside the limit for channel. Channels
// without a limit are unconstrained.
func (l Limits) Within(channel string, v float64) bool {
	lim, ok := l[channel]
	if !ok {
		return true
	}
	return v >= lim.Min && v <= lim.Max
}

// Check returns a validation error when v violates the channel limit.
// Values are rejected, never clamped.
func (l Limits) Check(channel string, v float64) error {
	if l.Within(channel, v) {
		return nil
	}
	lim := l[channel]
	return reasonf(ErrLimitExceeded, "%s %s outside safety limit %s-%s",
		channel, formatNumber(v), formatNumber(lim.Min), formatNumber(lim.Max))
}
