// Package target is the hardware-attached command and telemetry service.
//
// A Service serves the command channel through a router backed by the
// local actuators, pushes significant telemetry changes to the host,
// beacons its liveness and watches the host's beacons. Loss of the host
// is reported, not acted upon.
package target
