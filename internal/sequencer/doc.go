// Package sequencer implements the automated fusor startup and shutdown
// procedure as an explicit state machine.
//
// The procedure is a static Table: each row names a source state, a
// trigger and a target state. Entering a state applies that state's
// outputs (pumps, valves, supply voltage) as an ordered list of commands
// sent through the command router.
//
// Triggers come from three places:
//
//   - telemetry, via the mapper rules the table binds to each state
//   - operator requests (Start, Stop)
//   - the CLOSING_MAIN dwell timer
//
// Every commit increments the state epoch. Events carry the epoch they
// were derived under and are dropped when it is no longer current.
//
// The safety overlay uses Preempt and ForceSafe to abandon whatever is in
// flight and put the machine back in ALL_OFF.
package sequencer
