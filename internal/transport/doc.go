// Package transport implements the three links between host and target.
//
//   - Command channel: TCP, line-delimited request/response. CommandClient
//     (host) reconnects transparently with exponential backoff and always
//     yields one Response per command, synthesising a "timeout" failure
//     when the reply does not arrive. CommandServer (target) serves one
//     goroutine per session and writes HEARTBEAT lines on idle sessions.
//   - Telemetry channel: UDP push, no acknowledgement. TelemetrySender runs
//     the target sampling loop; TelemetryReceiver exposes received samples
//     as an iter.Seq.
//   - Heartbeat channel: UDP beacons in both directions, with a Monitor
//     that reports link loss and restoration once per transition.
package transport
