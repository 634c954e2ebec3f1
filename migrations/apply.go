package migrations

import (
	"context"
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
)

// Apply registers the schema on a go-persistence-bun client and runs every
// pending migration. An empty dialect is read from the client's bun dialect.
func Apply(ctx context.Context, client *persistence.Client, dialect string) error {
	if client == nil {
		return fmt.Errorf("migrations: persistence client is required")
	}
	if dialect == "" {
		detected, err := dialectOf(client.DB().Dialect().Name())
		if err != nil {
			return err
		}
		dialect = detected
	}
	_, err := Register(ctx, func(_ context.Context, schema Schema, _ string) error {
		client.RegisterSQLMigrations(schema.FS)
		return nil
	}, dialect)
	if err != nil {
		return err
	}
	return client.Migrate(ctx)
}
