package command

import (
	"strconv"
	"strings"
	"time"
)

// Source identifies who issued a command.
type Source string

const (
	SourceUser      Source = "user"
	SourceSequencer Source = "sequencer"
	SourceInternal  Source = "internal"
)

// Command is one parsed request. Args keep their wire text so a command
// survives an encode/parse round trip unchanged.
type Command struct {
	ID     string    `json:"id,omitempty"`
	Op     Opcode    `json:"-"`
	Index  int       `json:"index,omitempty"`
	Args   []string  `json:"args,omitempty"`
	Source Source    `json:"source"`
	Issued time.Time `json:"issued_at,omitempty"`
}

// Name returns the wire opcode token, including the index suffix for
// indexed opcodes (SET_VALVE3).
func (c Command) Name() string {
	s, ok := specs[c.Op]
	if !ok {
		return "UNKNOWN"
	}
	if s.Indexed && c.Index >= 0 {
		return s.Name + strconv.Itoa(c.Index)
	}
	return s.Name
}

// String returns the command in wire form without the line terminator.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name()
	}
	return c.Name() + ":" + strings.Join(c.Args, ":")
}

// Status is the outcome of a command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Effect reports how much of a command reached the actuators.
type Effect string

const (
	// EffectNone means the command was rejected before any effect.
	EffectNone Effect = "none"
	// EffectApplied means every step was applied.
	EffectApplied Effect = "applied"
	// EffectPartial means execution stopped part way; Applied holds the
	// steps that did take effect.
	EffectPartial Effect = "partial"
)

// Applied is one actuator write that took effect.
type Applied struct {
	Channel string  `json:"channel"`
	Value   float64 `json:"value"`
}

// Response is the single reply to a Command.
type Response struct {
	CommandID string        `json:"command_id,omitempty"`
	Opcode    string        `json:"opcode"`
	Status    Status        `json:"status"`
	Values    []string      `json:"values,omitempty"`
	Error     string        `json:"error,omitempty"`
	Class     Class         `json:"class,omitempty"`
	Effect    Effect        `json:"effect"`
	Applied   []Applied     `json:"applied,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
}

// OK reports whether the command succeeded.
func (r Response) OK() bool { return r.Status == StatusSuccess }

// Payload flattens the response into field/value pairs for status views.
func (r Response) Payload() map[string]string {
	p := map[string]string{"effect": string(r.Effect)}
	if len(r.Values) > 0 {
		p["value"] = strings.Join(r.Values, ":")
	}
	if len(r.Applied) > 0 {
		p["applied"] = formatApplied(r.Applied)
	}
	if r.Error != "" {
		p["error"] = r.Error
	}
	return p
}

// Success builds a success response echoing cmd.
func Success(cmd Command, values ...string) Response {
	return Response{
		CommandID: cmd.ID,
		Opcode:    cmd.Name(),
		Status:    StatusSuccess,
		Values:    values,
		Effect:    EffectApplied,
	}
}

// Failure builds a failure response from a classified error. Partial
// effects are surfaced through applied.
func Failure(cmd Command, err error, applied []Applied) Response {
	resp := Response{
		CommandID: cmd.ID,
		Opcode:    cmd.Name(),
		Status:    StatusFailure,
		Error:     failureMessage(err),
		Class:     ClassOf(err),
		Effect:    EffectNone,
	}
	if len(applied) > 0 {
		resp.Effect = EffectPartial
		resp.Applied = applied
	}
	return resp
}

// Timeout builds the synthesized response for a command whose reply did
// not arrive in time.
func Timeout(cmd Command) Response {
	return Response{
		CommandID: cmd.ID,
		Opcode:    cmd.Name(),
		Status:    StatusFailure,
		Error:     "timeout",
		Class:     ClassTransport,
		Effect:    EffectNone,
	}
}

// failureMessage strips the classification wrapper so the wire carries
// only the human-readable reason.
func failureMessage(err error) string {
	if ce, ok := err.(*Error); ok && ce.Err != nil {
		return ce.Err.Error()
	}
	return err.Error()
}

// New builds a command from an opcode and numeric arguments.
func New(op Opcode, args ...float64) Command {
	cmd := Command{Op: op}
	for _, a := range args {
		cmd.Args = append(cmd.Args, formatNumber(a))
	}
	return cmd
}

// SetValve builds SET_VALVE<id>:<position>.
func SetValve(id, position int) Command {
	cmd := New(OpSetValve, float64(position))
	cmd.Index = id
	return cmd
}

// SetVoltage builds SET_VOLTAGE:<volts>.
func SetVoltage(volts float64) Command { return New(OpSetVoltage, volts) }

// SetMechanicalPump builds SET_MECHANICAL_PUMP:<power>.
func SetMechanicalPump(power int) Command { return New(OpSetMechanicalPump, float64(power)) }

// SetTurboPump builds SET_TURBO_PUMP:<power>.
func SetTurboPump(power int) Command { return New(OpSetTurboPump, float64(power)) }
