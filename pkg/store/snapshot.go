package store

import (
	"context"
	"time"
)

// Snapshot is a materialized projection of an aggregate's state at a
// specific version. Snapshots are a load-cost optimization, never a source
// of truth: losing them must only slow rehydration down.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int64
	State         []byte
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SnapshotStore persists the most recent materialized state per aggregate.
// Each aggregate type owns its own snapshot table; a store instance is bound
// to exactly one of them.
type SnapshotStore interface {
	// Load returns the snapshot of an aggregate, or domain.ErrSnapshotNotFound.
	Load(ctx context.Context, aggregateID string) (*Snapshot, error)

	// Save upserts the snapshot keyed by aggregate id. Idempotent on
	// (aggregate_id, version): replaying a save with the same version
	// overwrites identical bytes. Honors a transaction carried in ctx so the
	// repository can couple it with the event append.
	Save(ctx context.Context, snapshot *Snapshot) error

	// Delete removes the snapshot row. Rehydration falls back to full replay.
	Delete(ctx context.Context, aggregateID string) error
}
