package migrations

import "embed"

// FS contains embedded SQLite migrations for the conflict queue.
//
//go:embed *.sql
var FS embed.FS
