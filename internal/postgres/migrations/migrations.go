// Package migrations embeds the goose-managed SQL schema for the Filament server.
package migrations

import "embed"

// FS is served to goose.SetBaseFS by internal/postgres.Migrate.
//
//go:embed *.sql
var FS embed.FS
