package store

import (
	"context"
	"time"
)

// ProjectionCheckpoint tracks how far a projection has read the event log,
// independent of the bus. Position is the global append position of the last
// event the projection applied.
type ProjectionCheckpoint struct {
	ProjectionName string
	Position       int64
	LastEventID    string
	UpdatedAt      time.Time
}

// CheckpointStore persists projection checkpoints. Loading a projection that
// has never checkpointed returns a zero-position checkpoint, not an error.
type CheckpointStore interface {
	// Save upserts a checkpoint. Honors a transaction carried in ctx so the
	// projection update and the checkpoint advance commit together.
	Save(ctx context.Context, checkpoint *ProjectionCheckpoint) error

	// Load returns the checkpoint for a projection, Position 0 if none exists.
	Load(ctx context.Context, projectionName string) (*ProjectionCheckpoint, error)

	// Delete removes a checkpoint, forcing a full rebuild on next start.
	Delete(ctx context.Context, projectionName string) error
}
