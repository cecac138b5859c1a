package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/cognifyhq/aidomain/pkg/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed projection_migrations/*.sql
var projectionMigrationsFS embed.FS

// runMigrations applies the event log and snapshot table migrations.
func runMigrations(db *sql.DB) error {
	m := migrate.New(db, "schema_migrations")

	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// runProjectionMigrations applies the checkpoint, dead-letter and projection
// status table migrations. Kept separate from the event log schema so the
// projection side can live in its own database.
func runProjectionMigrations(db *sql.DB) error {
	m := migrate.New(db, "projection_schema_migrations")

	if err := m.LoadFromFS(projectionMigrationsFS, "projection_migrations"); err != nil {
		return fmt.Errorf("load projection migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		return fmt.Errorf("run projection migrations: %w", err)
	}

	return nil
}
