// Package host assembles the supervisory side of the control core.
//
// A Supervisor owns the host command router, the telemetry-to-event
// mapper, the sequencer and the safety overlay, and runs the pipeline
// that joins them:
//
//	telemetry sample ─► Latest ─► Mapper ─► events ─► Sequencer
//	                                            └───► Overlay
//
// Link loss and restoration from the heartbeat monitor enter the same
// path as connectivity events. Everything the supervisor sees is also
// handed to registered sinks (MQTT bridge, archives, metrics, WebSocket
// hub), none of which may block.
package host
