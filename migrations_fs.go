package adsconnect

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the SQL schema. Postgres files live at the root of
// data/sql/migrations and SQLite alternatives under the sqlite directory.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

func GetMigrationsFS() fs.FS {
	return migrationsFS
}
