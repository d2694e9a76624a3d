// Package safety implements the emergency overlay: the one path that can
// always take the apparatus to its terminal safe state.
//
// The overlay runs on its own goroutine with its own trigger channel and
// sends commands over its own command channel connection, so a stuck
// router or sequencer cannot hold it up. A trip preempts the sequencer,
// sends EMERGENCY_SHUTOFF followed by the full safe command set on a best
// effort basis, then forces the sequencer to ALL_OFF.
//
// Triggers are explicit (Trip) or escalated events (Offer) whose class is
// in the configured escalation set.
package safety
