// Package bridge mirrors the host supervisor onto MQTT.
//
// Outbound, it publishes sequencer state changes (retained), events,
// telemetry samples, every completed command and safety trips under the
// site topic tree built by mqtt.Topics. Inbound, it accepts command lines
// on the command/request topic, runs them through the host command router
// and publishes the reply on command/response.
//
// Publishing never blocks the caller: messages go through a bounded queue
// drained by Run, and overflow is counted and dropped.
package bridge
