// Package api implements the HTTP REST API and WebSocket server for the
// fusor host.
//
// This package provides:
//   - Status, telemetry and transition history views
//   - Sequence control (start, stop, emergency stop) and raw commands
//   - Command and event archive listings
//   - WebSocket hub pushing state changes, events, telemetry and trips
//   - JWT bearer authentication with ticket-based WebSocket auth
//
// # Architecture
//
// The server sits between operator interfaces and the host supervisor.
// Every control request is turned into a command line and dispatched
// through the host router with source "user", so it is serialised with
// the sequencer's own commands and lands in the same archive.
//
// # Security
//
// Reads need the viewer role. Starting, stopping and raw commands need the
// operator role. Any authenticated caller may request an emergency stop.
//
// # Lifecycle
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// # Graceful Degradation
//
// The archive and the Prometheus handler are optional. Without them the
// corresponding routes answer 503 or are not mounted.
package api
