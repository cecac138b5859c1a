// Package readmodel holds the SQLite read models derived from the event log:
// an index of content generation requests, an index of research problems and
// an index of game transformations. Each is a projection.Projection; rows
// carry last_applied_version so replays and redeliveries are no-ops.
package readmodel

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/sqlite"
	"github.com/cognifyhq/aidomain/pkg/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations creates the read-model tables. Idempotent; every index
// constructor calls it.
func RunMigrations(db *sqlite.DB) error {
	migrator := migrate.New(db.DB, "readmodel_schema_migrations")
	if err := migrator.LoadFromFS(migrationFiles, "migrations"); err != nil {
		return fmt.Errorf("load read-model migrations: %w", err)
	}
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("apply read-model migrations: %w", err)
	}
	return nil
}

// applyGuarded runs an UPDATE guarded by last_applied_version and reports
// whether the row was touched. Zero rows with a present row means the event
// was already applied; zero rows with a missing row is an error so the
// delivery retries after the row-creating event lands.
func applyGuarded(ctx context.Context, ex sqlite.Executor, table, keyColumn, key, update string, args ...any) error {
	res, err := ex.ExecContext(ctx, update, args...)
	if err != nil {
		return domain.NewStorageError("update "+table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("update "+table, err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = ex.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ?`, table, keyColumn), key,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s row %s missing", table, key)
	}
	if err != nil {
		return domain.NewStorageError("probe "+table, err)
	}

	// row exists at a newer version; duplicate delivery
	return nil
}
