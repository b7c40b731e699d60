// Package migrations embeds the versioned SQL schema for each supported
// database. Files follow golang-migrate naming:
// {version}_{title}.up.sql / {version}_{title}.down.sql
package migrations

import "embed"

// SQLite holds the schema for the sqlite driver, under "sqlite"
//
//go:embed sqlite/*.sql
var SQLite embed.FS

// Postgres holds the schema for the postgres driver, under "postgres"
//
//go:embed postgres/*.sql
var Postgres embed.FS
