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

// CheckpointStore persists projection checkpoints. It honors a transaction
// carried in ctx so a projection's read-model update and its checkpoint
// advance commit atomically, avoiding dual-write gaps.
//
// The store can share the event log database or live in a separate one for
// independent scaling of the read side.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore creates the checkpoint store and runs the projection
// support migrations (checkpoints, dead letters, projection status).
func NewCheckpointStore(db *DB) (*CheckpointStore, error) {
	if err := runProjectionMigrations(db.DB); err != nil {
		return nil, fmt.Errorf("migrate checkpoint store: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// DB exposes the underlying handle for projections that keep their tables in
// the same database.
func (s *CheckpointStore) DB() *DB { return s.db }

// Save upserts a checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint *store.ProjectionCheckpoint) error {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx).ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_name, position, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at`,
		checkpoint.ProjectionName, checkpoint.Position, checkpoint.LastEventID,
		checkpoint.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return domain.NewStorageError("save checkpoint", err)
	}

	return nil
}

// Load returns the checkpoint for a projection. A projection that has never
// checkpointed gets Position 0, not an error.
func (s *CheckpointStore) Load(ctx context.Context, projectionName string) (*store.ProjectionCheckpoint, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	checkpoint := store.ProjectionCheckpoint{ProjectionName: projectionName}
	var updatedAt int64
	err := s.db.Exec(ctx).QueryRowContext(ctx, `
		SELECT position, last_event_id, updated_at
		FROM projection_checkpoints WHERE projection_name = ?`,
		projectionName,
	).Scan(&checkpoint.Position, &checkpoint.LastEventID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &checkpoint, nil
	}
	if err != nil {
		return nil, domain.NewStorageError("load checkpoint", err)
	}

	checkpoint.UpdatedAt = time.Unix(0, updatedAt)
	return &checkpoint, nil
}

// Delete removes a checkpoint, forcing a full rebuild on next start.
func (s *CheckpointStore) Delete(ctx context.Context, projectionName string) error {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx).ExecContext(ctx,
		`DELETE FROM projection_checkpoints WHERE projection_name = ?`, projectionName)
	if err != nil {
		return domain.NewStorageError("delete checkpoint", err)
	}

	return nil
}
