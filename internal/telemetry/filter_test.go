package telemetry

import (
	"testing"
	"time"
)

func TestFilter_Significance(t *testing.T) {
	f := NewFilter(map[ChannelID]float64{MainPressure: 0.01}, 0)
	now := time.Now()

	steps := []struct {
		value float64
		want  bool
	}{
		{0.5, true},    // first value always sent
		{0.505, false}, // within threshold
		{0.509, false}, // still compared against 0.5
		{0.52, true},   // crosses threshold
		{0.52, false},  // unchanged
		{0.509, true},  // back down by more than threshold
	}

	for i, s := range steps {
		out := f.Apply([]Sample{{Channel: MainPressure, Value: s.value, Timestamp: now}}, now)
		if got := len(out) == 1; got != s.want {
			t.Errorf("step %d value %v: sent = %v, want %v", i, s.value, got, s.want)
		}
	}
}

func TestFilter_ZeroThresholdSendsAnyChange(t *testing.T) {
	f := NewFilter(nil, 0)
	now := time.Now()

	f.Apply([]Sample{{Channel: AtmosphereFlag, Value: 0}}, now)
	if out := f.Apply([]Sample{{Channel: AtmosphereFlag, Value: 0}}, now); len(out) != 0 {
		t.Errorf("unchanged flag sent: %+v", out)
	}
	if out := f.Apply([]Sample{{Channel: AtmosphereFlag, Value: 1}}, now); len(out) != 1 {
		t.Errorf("changed flag not sent")
	}
}

func TestFilter_PeriodicRefresh(t *testing.T) {
	f := NewFilter(nil, time.Second)
	start := time.Now()
	batch := []Sample{{Channel: SupplyVoltage, Value: 10}, {Channel: SupplyCurrent, Value: 5}}

	if out := f.Apply(batch, start); len(out) != 2 {
		t.Fatalf("first batch sent %d, want 2", len(out))
	}
	if out := f.Apply(batch, start.Add(500*time.Millisecond)); len(out) != 0 {
		t.Errorf("unchanged batch before refresh sent %d, want 0", len(out))
	}
	if out := f.Apply(batch, start.Add(time.Second)); len(out) != 2 {
		t.Errorf("refresh batch sent %d, want 2", len(out))
	}
}

func TestFilter_Reset(t *testing.T) {
	f := NewFilter(nil, 0)
	now := time.Now()
	batch := []Sample{{Channel: NeutronCounts, Value: 3}}

	f.Apply(batch, now)
	f.Reset()
	if out := f.Apply(batch, now); len(out) != 1 {
		t.Errorf("after Reset sent %d, want 1", len(out))
	}
}

func TestThresholdsByName(t *testing.T) {
	got, err := ThresholdsByName(map[string]float64{"main_pressure": 0.002})
	if err != nil {
		t.Fatalf("ThresholdsByName() error = %v", err)
	}
	if got[MainPressure] != 0.002 {
		t.Errorf("main_pressure = %v, want 0.002", got[MainPressure])
	}
	if _, err := ThresholdsByName(map[string]float64{"bogus": 1}); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestLatest(t *testing.T) {
	l := NewLatest()
	t0 := time.Now()

	l.Update(Sample{Channel: MainPressure, Value: 1, Timestamp: t0})
	l.Update(Sample{Channel: MainPressure, Value: 2, Timestamp: t0.Add(-time.Second)})

	if v, ok := l.Value(MainPressure); !ok || v != 1 {
		t.Errorf("Value() = %v, %v; older sample must not overwrite", v, ok)
	}
	l.Update(Sample{Channel: ForelinePressure, Value: 50, Timestamp: t0})
	all := l.All()
	if len(all) != 2 || all[0].Channel != ForelinePressure {
		t.Errorf("All() = %+v, want channel order", all)
	}
}
