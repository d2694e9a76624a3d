// Package influxdb archives telemetry and sequencer activity in InfluxDB.
//
// Client wraps influxdb-client-go v2 with its non-blocking write API:
// points are batched and flushed on an interval, so neither the telemetry
// path nor the sequencer ever waits on the database. Archive maps host
// activity onto four measurements:
//
//	telemetry     one point per sample, tagged by channel and unit
//	transition    one point per committed sequencer state
//	event         escalating events only (faults, failures, link loss)
//	safety_trip   one point per emergency stop
//
// Every point carries a site tag.
package influxdb
