package command

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantOp    Opcode
		wantIndex int
		wantArgs  []string
		wantErr   error
	}{
		{"set voltage", "SET_VOLTAGE:10000", OpSetVoltage, 0, []string{"10000"}, nil},
		{"lower case opcode", "set_valve3:50\n", OpSetValve, 3, []string{"50"}, nil},
		{"surrounding whitespace", "  EMERGENCY_SHUTOFF \r\n", OpEmergencyShutoff, 0, nil, nil},
		{"switch argument", "POWER_SUPPLY_ENABLE:on", OpPowerSupplyEnable, 0, []string{"ON"}, nil},
		{"valve without index", "SET_VALVE:10", OpSetValve, -1, []string{"10"}, nil},
		{"empty line", "   ", OpUnknown, 0, nil, ErrEmptyCommand},
		{"unknown opcode", "FROB:1", OpUnknown, 0, nil, ErrUnknownOpcode},
		{"valve with junk index", "SET_VALVEX:10", OpUnknown, 0, nil, ErrUnknownOpcode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse(%q) error = %v, want %v", tt.line, err, tt.wantErr)
				}
				if ClassOf(err) != ClassValidation {
					t.Errorf("ClassOf(err) = %q, want %q", ClassOf(err), ClassValidation)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.line, err)
			}
			if cmd.Op != tt.wantOp || cmd.Index != tt.wantIndex || !reflect.DeepEqual(cmd.Args, tt.wantArgs) {
				t.Errorf("Parse(%q) = {%v %d %v}, want {%v %d %v}",
					tt.line, cmd.Op, cmd.Index, cmd.Args, tt.wantOp, tt.wantIndex, tt.wantArgs)
			}
		})
	}
}

func TestFormatError_UnknownCommand(t *testing.T) {
	_, err := Parse("frob")
	if got, want := FormatError(err), "ERROR: Unknown command 'FROB'"; got != want {
		t.Errorf("FormatError() = %q, want %q", got, want)
	}
}

// boundaryArgs returns the 0 / max / one-below-max argument sets for an
// opcode, built from its table entry.
func boundaryArgs(s Spec) [][]string {
	if len(s.Args) == 0 {
		return [][]string{nil}
	}
	a := s.Args[0]
	if a.Kind == ArgSwitch {
		return [][]string{{"0"}, {"1"}, {"ON"}, {"OFF"}}
	}
	lo := a.Min
	if lo < 0 {
		lo = 0
	}
	return [][]string{
		{formatNumber(lo)},
		{formatNumber(a.Max)},
		{formatNumber(a.Max - 1)},
	}
}

func TestEncodeParse_RoundTripEveryOpcode(t *testing.T) {
	for _, op := range Opcodes() {
		spec, _ := SpecFor(op)
		indexes := []int{0}
		if spec.Indexed {
			indexes = []int{spec.IndexMin, spec.IndexMax, spec.IndexMax - 1}
		}
		for _, index := range indexes {
			for _, args := range boundaryArgs(spec) {
				cmd := Command{Op: op, Index: index, Args: args}
				line := Encode(cmd)

				got, err := Parse(line)
				if err != nil {
					t.Fatalf("Parse(Encode(%v)) error = %v", cmd, err)
				}
				if got.Op != cmd.Op || got.Index != cmd.Index || !reflect.DeepEqual(got.Args, cmd.Args) {
					t.Errorf("round trip %q = {%v %d %v}, want {%v %d %v}",
						line, got.Op, got.Index, got.Args, cmd.Op, cmd.Index, cmd.Args)
				}
			}
		}
	}
}

func TestFormatResponse(t *testing.T) {
	valve := SetValve(3, 50)
	tests := []struct {
		name string
		resp Response
		want string
	}{
		{
			name: "success with value",
			resp: Success(valve, "50"),
			want: "SET_VALVE3_SUCCESS:50",
		},
		{
			name: "success without value",
			resp: Success(Command{Op: OpEmergencyShutoff}),
			want: "EMERGENCY_SHUTOFF_SUCCESS",
		},
		{
			name: "failure before effect",
			resp: Failure(valve, validationError("SET_VALVE3", reasonf(ErrOutOfRange, "position must be 0-100")), nil),
			want: "SET_VALVE3_FAILED: position must be 0-100",
		},
		{
			name: "partial failure",
			resp: Failure(Command{Op: OpShutdown}, &Error{Class: ClassActuation, Err: errors.New("valve3: stuck")},
				[]Applied{{Channel: "supply_setpoint", Value: 0}, {Channel: "supply_enable", Value: 0}}),
			want: "SHUTDOWN_FAILED: valve3: stuck [applied: supply_setpoint=0,supply_enable=0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatResponse(tt.resp); got != tt.want {
				t.Errorf("FormatResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	valve := SetValve(3, 50)
	shutdown := Command{Op: OpShutdown}

	t.Run("success", func(t *testing.T) {
		resp, err := ParseResponse(valve, "SET_VALVE3_SUCCESS:50")
		if err != nil {
			t.Fatalf("ParseResponse() error = %v", err)
		}
		if !resp.OK() || resp.Effect != EffectApplied || !reflect.DeepEqual(resp.Values, []string{"50"}) {
			t.Errorf("ParseResponse() = %+v", resp)
		}
	})

	t.Run("failure with partial effect", func(t *testing.T) {
		resp, err := ParseResponse(shutdown, "SHUTDOWN_FAILED: valve3: stuck [applied: supply_setpoint=0,supply_enable=0]")
		if err != nil {
			t.Fatalf("ParseResponse() error = %v", err)
		}
		if resp.OK() {
			t.Fatal("expected failure")
		}
		if resp.Effect != EffectPartial {
			t.Errorf("Effect = %q, want partial", resp.Effect)
		}
		if resp.Error != "valve3: stuck" {
			t.Errorf("Error = %q, want %q", resp.Error, "valve3: stuck")
		}
		want := []Applied{{Channel: "supply_setpoint", Value: 0}, {Channel: "supply_enable", Value: 0}}
		if !reflect.DeepEqual(resp.Applied, want) {
			t.Errorf("Applied = %+v, want %+v", resp.Applied, want)
		}
		if resp.Class != ClassActuation {
			t.Errorf("Class = %q, want actuation", resp.Class)
		}
	})

	t.Run("failure before effect", func(t *testing.T) {
		resp, err := ParseResponse(valve, "SET_VALVE3_FAILED: position must be 0-100")
		if err != nil {
			t.Fatalf("ParseResponse() error = %v", err)
		}
		if resp.Effect != EffectNone || resp.Error != "position must be 0-100" {
			t.Errorf("ParseResponse() = %+v", resp)
		}
	})

	t.Run("error line", func(t *testing.T) {
		resp, err := ParseResponse(valve, "ERROR: Unknown command 'SET_VALVE3'")
		if err != nil {
			t.Fatalf("ParseResponse() error = %v", err)
		}
		if resp.OK() || resp.Class != ClassValidation {
			t.Errorf("ParseResponse() = %+v, want validation failure", resp)
		}
	})

	t.Run("reply for another opcode", func(t *testing.T) {
		_, err := ParseResponse(valve, "SET_VALVE4_SUCCESS:50")
		if !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("ParseResponse() error = %v, want ErrMalformedResponse", err)
		}
	})

	t.Run("round trip through format", func(t *testing.T) {
		sent := Failure(shutdown, &Error{Class: ClassActuation, Err: errors.New("turbo_pump: no ack")},
			[]Applied{{Channel: "valve4", Value: 0}})
		got, err := ParseResponse(shutdown, FormatResponse(sent))
		if err != nil {
			t.Fatalf("ParseResponse() error = %v", err)
		}
		if got.Error != sent.Error || got.Effect != sent.Effect || !reflect.DeepEqual(got.Applied, sent.Applied) {
			t.Errorf("round trip = %+v, want %+v", got, sent)
		}
	})
}

func TestVoltsToVariacDegrees(t *testing.T) {
	tests := []struct {
		volts float64
		want  float64
	}{
		{0, 0},
		{14000, 180},
		{28000, 360},
	}
	for _, tt := range tests {
		if got := VoltsToVariacDegrees(tt.volts); got != tt.want {
			t.Errorf("VoltsToVariacDegrees(%v) = %v, want %v", tt.volts, got, tt.want)
		}
	}
}
