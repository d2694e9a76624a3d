// Package command implements the control command vocabulary, its wire
// codec, and the Router that validates and dispatches commands.
//
// The vocabulary is a closed table (Opcode -> Spec). Each Spec declares
// the argument shape, accepted ranges and scope of an opcode, so every
// command is checked against the table before anything executes:
//
//	SET_VALVE3:150   -> SET_VALVE3_FAILED: position must be 0-100
//	FROB:1           -> ERROR: Unknown command 'FROB'
//	SET_VOLTAGE:10000 -> SET_VOLTAGE_SUCCESS:10000
//
// # Dispatch
//
// The same Router type runs on both nodes. The target wraps an
// ActuatorExecutor (hardware writes through the Actuator interface); the
// host wraps the command channel client, so commands from the API, MQTT
// and the sequencer share one validated, serialised path.
//
// # Partial effects
//
// A Response reports Effect "none" when a command was rejected before any
// actuator write, "applied" on success, and "partial" when execution
// stopped part way. Partial responses list the writes that took effect,
// on the wire as a trailing "[applied: channel=value,...]".
//
// # Set-points
//
// SET_VOLTAGE takes volts and drives the supply variac through the linear
// design constant VariacDegreesPerVolt (360 degrees at 28 kV).
package command
