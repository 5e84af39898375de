// Package db embeds the SQL migrations for every supported backend.
package db

import "embed"

// Migrations holds migrations/postgres and migrations/sqlite.
//
//go:embed migrations
var Migrations embed.FS

// Directories inside Migrations, keyed by goose dialect.
const (
	PostgresDir = "migrations/postgres"
	SQLiteDir   = "migrations/sqlite"
)
