// Package database opens the host's SQLite archive and applies its schema
// migrations.
//
// The archive holds the command log and the sequencer event history. It is
// opened in WAL mode with a single connection so writes from the archive
// worker never contend with API reads for a lock longer than the busy
// timeout.
//
// Migrations are plain SQL files named
//
//	YYYYMMDD_HHMMSS_description.up.sql
//	YYYYMMDD_HHMMSS_description.down.sql
//
// applied in version order, one transaction each, and recorded in
// schema_migrations. The migrations package embeds the production set:
//
//	db, err := database.Open(cfg.Database)
//	...
//	err = db.Migrate(ctx, migrations.FS)
package database
