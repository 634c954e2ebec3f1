package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	adsconnect "github.com/goliatone/go-adsconnect"
	"github.com/uptrace/bun/dialect"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const (
	migrationsDir = "data/sql/migrations"
	sourceLabel   = "go-adsconnect"
)

// schemaTables are the tables the up migrations create.
var schemaTables = []string{
	"user_plans",
	"ad_connections",
	"metric_cache",
	"cache_invalidations",
	"rate_limit_state",
}

// Tables lists the tables the schema owns.
func Tables() []string {
	return slices.Clone(schemaTables)
}

// Schema is one dialect's migration tree.
type Schema struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// RegisterFunc receives one dialect's tree, typically wrapping
// persistence.Client.RegisterSQLMigrations.
type RegisterFunc func(ctx context.Context, schema Schema, sourceLabel string) error

// NormalizeDialect maps a database/sql driver or bun dialect name onto a
// schema dialect.
func NormalizeDialect(name string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "postgres", "postgresql", "pg", "pgx":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("migrations: unsupported dialect %q", name)
}

func dialectOf(name dialect.Name) (string, error) {
	switch name {
	case dialect.PG:
		return DialectPostgres, nil
	case dialect.SQLite:
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("migrations: unsupported bun dialect %s", name)
}

// Schemas returns the Postgres tree at data/sql/migrations and the SQLite
// tree under its sqlite directory. Both must carry up migrations.
func Schemas(sources ...fs.FS) ([]Schema, error) {
	root := adsconnect.GetMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}
	postgres, err := fs.Sub(root, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", migrationsDir, err)
	}
	sqlite, err := fs.Sub(postgres, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite schema: %w", err)
	}

	schemas := []Schema{
		{Dialect: DialectPostgres, Path: migrationsDir, FS: postgres},
		{Dialect: DialectSQLite, Path: migrationsDir + "/sqlite", FS: sqlite},
	}
	for _, schema := range schemas {
		ups, err := fs.Glob(schema.FS, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: glob %s: %w", schema.Path, err)
		}
		if len(ups) == 0 {
			return nil, fmt.Errorf("migrations: %s schema %q has no *.up.sql files", schema.Dialect, schema.Path)
		}
	}
	return schemas, nil
}

// Register hands the schema of every requested dialect to registerFn. With
// no dialects it registers both.
func Register(ctx context.Context, registerFn RegisterFunc, dialects ...string) ([]Schema, error) {
	if registerFn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	wanted := make([]string, 0, len(dialects))
	for _, name := range dialects {
		normalized, err := NormalizeDialect(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(wanted, normalized) {
			wanted = append(wanted, normalized)
		}
	}

	schemas, err := Schemas()
	if err != nil {
		return nil, err
	}
	registered := make([]Schema, 0, len(schemas))
	for _, schema := range schemas {
		if len(wanted) > 0 && !slices.Contains(wanted, schema.Dialect) {
			continue
		}
		if err := registerFn(ctx, schema, sourceLabel); err != nil {
			return registered, fmt.Errorf("migrations: register %s (%s): %w", schema.Dialect, schema.Path, err)
		}
		registered = append(registered, schema)
	}
	return registered, nil
}
