package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire format
//
//	request:  OPCODE[:ARG1[:ARG2...]]\n      (opcode case-insensitive)
//	success:  OPCODE_SUCCESS[:VALUE...]
//	failure:  OPCODE_FAILED: <message>[ [applied: channel=value,...]]
//	unknown:  ERROR: Unknown command '<opcode>'
const (
	successSuffix = "_SUCCESS"
	failedSuffix  = "_FAILED"
	errorPrefix   = "ERROR:"
	appliedOpen   = " [applied: "
	appliedClose  = "]"

	// HeartbeatLine is sent by the command server on idle sessions.
	HeartbeatLine = "HEARTBEAT"
)

// Parse turns one command line into a Command. Only the opcode is checked
// here; argument validation happens in the router so range failures get
// an opcode-specific response.
func Parse(line string) (Command, error) {
	line = strings.ToUpper(strings.TrimSpace(line))
	if line == "" {
		return Command{}, validationError("", reasonf(ErrEmptyCommand, "Empty command"))
	}

	parts := strings.Split(line, ":")
	op, index, ok := lookupOpcode(parts[0])
	if !ok {
		return Command{}, validationError(parts[0], reasonf(ErrUnknownOpcode, "Unknown command '%s'", parts[0]))
	}

	cmd := Command{Op: op, Index: index}
	if len(parts) > 1 {
		cmd.Args = parts[1:]
	}
	return cmd, nil
}

// Encode returns the wire line for cmd, including the terminator.
func Encode(cmd Command) string {
	return cmd.String() + "\n"
}

// FormatResponse renders resp as a single wire line without terminator.
func FormatResponse(resp Response) string {
	if resp.Status == StatusSuccess {
		line := resp.Opcode + successSuffix
		if len(resp.Values) > 0 {
			line += ":" + strings.Join(resp.Values, ":")
		}
		return line
	}

	line := resp.Opcode + failedSuffix + ": " + resp.Error
	if resp.Effect == EffectPartial && len(resp.Applied) > 0 {
		line += appliedOpen + formatApplied(resp.Applied) + appliedClose
	}
	return line
}

// FormatError renders a parse failure. Unknown opcodes and empty lines
// have no opcode to echo, so they use the ERROR: form.
func FormatError(err error) string {
	return errorPrefix + " " + failureMessage(err)
}

// ParseResponse decodes a response line received for cmd. A reply whose
// opcode does not echo cmd is reported as malformed.
func ParseResponse(cmd Command, line string) (Response, error) {
	line = strings.TrimSpace(line)
	name := cmd.Name()

	if msg, ok := strings.CutPrefix(line, errorPrefix); ok {
		return Response{
			CommandID: cmd.ID,
			Opcode:    name,
			Status:    StatusFailure,
			Error:     strings.TrimSpace(msg),
			Class:     ClassValidation,
			Effect:    EffectNone,
		}, nil
	}

	if rest, ok := strings.CutPrefix(line, name+successSuffix); ok {
		resp := Success(cmd)
		if rest != "" {
			if rest[0] != ':' {
				return Response{}, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
			}
			resp.Values = strings.Split(rest[1:], ":")
		}
		return resp, nil
	}

	if rest, ok := strings.CutPrefix(line, name+failedSuffix); ok {
		msg := strings.TrimSpace(strings.TrimPrefix(rest, ":"))
		resp := Response{
			CommandID: cmd.ID,
			Opcode:    name,
			Status:    StatusFailure,
			Class:     ClassActuation,
			Effect:    EffectNone,
		}
		if i := strings.LastIndex(msg, appliedOpen); i >= 0 && strings.HasSuffix(msg, appliedClose) {
			applied, err := parseApplied(msg[i+len(appliedOpen) : len(msg)-len(appliedClose)])
			if err != nil {
				return Response{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
			}
			resp.Applied = applied
			resp.Effect = EffectPartial
			msg = msg[:i]
		}
		resp.Error = msg
		return resp, nil
	}

	return Response{}, fmt.Errorf("%w: %q does not answer %s", ErrMalformedResponse, line, name)
}

func formatApplied(applied []Applied) string {
	parts := make([]string, len(applied))
	for i, a := range applied {
		parts[i] = strings.ToLower(a.Channel) + "=" + formatNumber(a.Value)
	}
	return strings.Join(parts, ",")
}

func parseApplied(s string) ([]Applied, error) {
	var out []Applied
	for _, kv := range strings.Split(s, ",") {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("applied entry %q", kv)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("applied value %q: %w", raw, err)
		}
		out = append(out, Applied{Channel: strings.ToLower(name), Value: v})
	}
	return out, nil
}
