package telemetry

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeFrame(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	got := string(EncodeFrame(7, []Sample{
		{Channel: ForelinePressure, Value: 98.5, Timestamp: ts},
		{Channel: SupplyVoltage, Value: 10, Timestamp: ts},
	}))
	want := "T|7|1700000000123|foreline_pressure=98.5|supply_voltage=10"
	if got != want {
		t.Errorf("EncodeFrame() = %q, want %q", got, want)
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		wantSeq     uint64
		wantSamples int
		wantSkipped int
		wantErr     bool
	}{
		{"two channels", "T|3|1700000000000|main_pressure=0.1|atm_flag=1", 3, 2, 0, false},
		{"header only", "T|4|1700000000000", 4, 0, 0, false},
		{"unknown channel skipped", "T|5|1700000000000|flux_capacitor=1.21|supply_current=5", 5, 1, 1, false},
		{"trailing newline", "T|6|1700000000000|neutron_counts=12\n", 6, 1, 0, false},
		{"wrong prefix", "X|1|1700000000000", 0, 0, 0, true},
		{"missing timestamp", "T|1", 0, 0, 0, true},
		{"bad sequence", "T|x|1700000000000", 0, 0, 0, true},
		{"bad value", "T|1|1700000000000|main_pressure=low", 0, 0, 0, true},
		{"entry without value", "T|1|1700000000000|main_pressure", 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedFrame) {
					t.Fatalf("DecodeFrame() error = %v, want ErrMalformedFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if f.Seq != tt.wantSeq || len(f.Samples) != tt.wantSamples || f.Skipped != tt.wantSkipped {
				t.Errorf("DecodeFrame() = seq %d, %d samples, %d skipped; want %d, %d, %d",
					f.Seq, len(f.Samples), f.Skipped, tt.wantSeq, tt.wantSamples, tt.wantSkipped)
			}
			for _, s := range f.Samples {
				if !s.Timestamp.Equal(f.Time) {
					t.Errorf("sample timestamp %v, want frame time %v", s.Timestamp, f.Time)
				}
			}
		})
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	ts := time.UnixMilli(1700000000500)
	var in []Sample
	for i, ch := range Channels() {
		in = append(in, Sample{Channel: ch, Value: float64(i) + 0.25, Timestamp: ts})
	}

	f, err := DecodeFrame(EncodeFrame(42, in))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if f.Seq != 42 || len(f.Samples) != len(in) {
		t.Fatalf("frame = %+v", f)
	}
	for i := range in {
		if f.Samples[i].Channel != in[i].Channel || f.Samples[i].Value != in[i].Value || !f.Samples[i].Timestamp.Equal(ts) {
			t.Errorf("sample %d = %+v, want %+v", i, f.Samples[i], in[i])
		}
	}
}

func TestChannelByName(t *testing.T) {
	for _, ch := range Channels() {
		got, ok := ChannelByName(ch.String())
		if !ok || got != ch {
			t.Errorf("ChannelByName(%q) = %v, %v", ch.String(), got, ok)
		}
	}
	if _, ok := ChannelByName("nope"); ok {
		t.Error("ChannelByName(nope) resolved")
	}
}
