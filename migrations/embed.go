// Package migrations embeds the archive schema.
package migrations

import "embed"

// FS holds the *.sql migrations at its root; pass it to DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
