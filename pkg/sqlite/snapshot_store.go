package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/store"
)

// snapshotTables maps aggregate type tags to their snapshot table. Each
// aggregate type owns one table; adding a type means adding a migration and
// an entry here. The map doubles as an allowlist so table names never come
// from user input.
var snapshotTables = map[string]string{
	"content_generation": "content_generation_snapshots",
	"research_problem":   "research_problem_snapshots",
}

// SnapshotStore persists the materialized state of one aggregate type.
// It honors a transaction carried in ctx, which is how the repository couples
// the snapshot upsert with the event append.
type SnapshotStore struct {
	db            *DB
	aggregateType string
	table         string
}

// NewSnapshotStore creates a snapshot store bound to one aggregate type.
func NewSnapshotStore(db *DB, aggregateType string) (*SnapshotStore, error) {
	table, ok := snapshotTables[aggregateType]
	if !ok {
		return nil, fmt.Errorf("no snapshot table registered for aggregate type %q", aggregateType)
	}
	return &SnapshotStore{db: db, aggregateType: aggregateType, table: table}, nil
}

// Load returns the snapshot for an aggregate, or domain.ErrSnapshotNotFound.
func (s *SnapshotStore) Load(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	var (
		snap      store.Snapshot
		active    int64
		createdAt int64
		updatedAt int64
	)
	err := s.db.Exec(ctx).QueryRowContext(ctx, fmt.Sprintf(`
		SELECT aggregate_id, version, state, active, created_at, updated_at
		FROM %s WHERE aggregate_id = ?`, s.table),
		aggregateID,
	).Scan(&snap.AggregateID, &snap.Version, &snap.State, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, domain.NewStorageError("load snapshot", err)
	}

	snap.AggregateType = s.aggregateType
	snap.Active = active != 0
	snap.CreatedAt = time.Unix(0, createdAt)
	snap.UpdatedAt = time.Unix(0, updatedAt)

	return &snap, nil
}

// Save upserts the snapshot keyed by aggregate id. created_at survives the
// upsert; version, state, active and updated_at are replaced.
func (s *SnapshotStore) Save(ctx context.Context, snapshot *store.Snapshot) error {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	active := 0
	if snapshot.Active {
		active = 1
	}

	_, err := s.db.Exec(ctx).ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, version, state, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			active = excluded.active,
			updated_at = excluded.updated_at`, s.table),
		snapshot.AggregateID, snapshot.Version, snapshot.State, active,
		snapshot.CreatedAt.UnixNano(), snapshot.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return domain.NewStorageError("save snapshot", err)
	}

	return nil
}

// Delete removes the snapshot row. The aggregate stays loadable by full replay.
func (s *SnapshotStore) Delete(ctx context.Context, aggregateID string) error {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx).ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE aggregate_id = ?`, s.table), aggregateID)
	if err != nil {
		return domain.NewStorageError("delete snapshot", err)
	}

	return nil
}
