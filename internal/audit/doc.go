// Package audit keeps the host's persistent history: every command the
// router completed and every sequencer event and transition.
//
// SQLiteRepository reads and writes the command_log and sequence_events
// tables. Recorder sits between the live system and the repository; it
// queues records and writes them on its own goroutine so the router and
// sequencer never wait on disk.
package audit
