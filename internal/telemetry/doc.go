// Package telemetry defines sensor channels, samples, the UDP frame codec
// and the change-only significance filter used by the target's sampling
// loop.
package telemetry
