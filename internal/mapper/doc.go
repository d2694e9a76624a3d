// Package mapper derives sequencer events from telemetry.
//
// Two policy types exist. A threshold rule is edge triggered on <= or >=
// against a target, with an optional hysteresis band before it re-arms.
// A settle rule fires once when a channel has stayed within target +/-
// tolerance for a minimum dwell, measured on sample timestamps.
//
// Rules are bound per sequencer state; SetState resets every policy.
package mapper
