package telemetry

import (
	"fmt"
	"time"
)

// ChannelID identifies one sensor channel. The numeric value is used
// internally; the name is the stable identifier carried on the wire.
type ChannelID int

const (
	ForelinePressure ChannelID = iota + 1
	TurboPressure
	MainPressure
	SupplyVoltage
	SupplyCurrent
	AtmosphereFlag
	NeutronCounts
)

var channelNames = map[ChannelID]string{
	ForelinePressure: "foreline_pressure",
	TurboPressure:    "turbo_pressure",
	MainPressure:     "main_pressure",
	SupplyVoltage:    "supply_voltage",
	SupplyCurrent:    "supply_current",
	AtmosphereFlag:   "atm_flag",
	NeutronCounts:    "neutron_counts",
}

var channelUnits = map[ChannelID]string{
	ForelinePressure: "mT",
	TurboPressure:    "mT",
	MainPressure:     "mT",
	SupplyVoltage:    "kV",
	SupplyCurrent:    "mA",
	AtmosphereFlag:   "",
	NeutronCounts:    "counts",
}

var channelsByName = func() map[string]ChannelID {
	m := make(map[string]ChannelID, len(channelNames))
	for id, name := range channelNames {
		m[name] = id
	}
	return m
}()

// Channels returns every known channel in ID order.
func Channels() []ChannelID {
	return []ChannelID{
		ForelinePressure, TurboPressure, MainPressure,
		SupplyVoltage, SupplyCurrent, AtmosphereFlag, NeutronCounts,
	}
}

func (c ChannelID) String() string {
	if name, ok := channelNames[c]; ok {
		return name
	}
	return fmt.Sprintf("channel_%d", int(c))
}

// Unit returns the engineering unit of the channel.
func (c ChannelID) Unit() string { return channelUnits[c] }

// ChannelByName resolves a wire identifier.
func ChannelByName(name string) (ChannelID, bool) {
	id, ok := channelsByName[name]
	return id, ok
}

// PressureSensor maps the 1-based pressure sensor number used by the
// command vocabulary to its channel.
func PressureSensor(n int) (ChannelID, bool) {
	switch n {
	case 1:
		return ForelinePressure, true
	case 2:
		return TurboPressure, true
	case 3:
		return MainPressure, true
	}
	return 0, false
}

// Sample is one self-contained reading.
type Sample struct {
	Channel   ChannelID `json:"channel"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalText encodes the channel by its wire name.
func (c ChannelID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a wire name.
func (c *ChannelID) UnmarshalText(b []byte) error {
	id, ok := ChannelByName(string(b))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, string(b))
	}
	*c = id
	return nil
}
