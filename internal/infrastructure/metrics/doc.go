// Package metrics exposes the host supervisor's Prometheus collectors.
//
// Metrics is fed by the same activity hooks as the archive and the MQTT
// bridge: completed commands, telemetry samples, events, state changes,
// safety trips and link connectivity. Collectors live on their own
// registry so tests can build as many as they like.
package metrics
