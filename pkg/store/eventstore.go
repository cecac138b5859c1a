// Package store defines the persistence contracts of the event-sourced core:
// the append-only event log, snapshot storage, projection checkpoints, the
// dead-letter sink and the generic aggregate repository that binds them.
package store

import (
	"context"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
)

// EventStore is the durable, append-only log of domain events keyed by
// aggregate identity. It enforces per-aggregate monotonic versioning and
// optimistic concurrency.
type EventStore interface {
	// AppendEvents appends a batch of events for one aggregate atomically.
	// The batch must be non-empty, share the aggregate id and carry
	// contiguous versions expectedVersion+1..expectedVersion+len(events);
	// violations return domain.ErrInvalidBatch. When the stream's current
	// max version differs from expectedVersion nothing is written and
	// domain.ErrVersionConflict is returned. Commit timestamps and global
	// positions are assigned by the store inside the transaction.
	AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) error

	// LoadEvents returns the ordered events of an aggregate with
	// Version > afterVersion, ascending by version.
	LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error)

	// LoadEventsByType returns up to limit events of one aggregate type with
	// Timestamp >= since, ordered by (timestamp, aggregate_id, version).
	// Used by projectors recovering from a checkpoint.
	LoadEventsByType(ctx context.Context, aggregateType string, since time.Time, limit int) ([]*domain.Event, error)

	// LoadAllEvents returns up to limit committed events with
	// Position > fromPosition, in global append order.
	LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error)

	// AggregateVersion returns the current max version of an aggregate,
	// 0 if the aggregate has no events.
	AggregateVersion(ctx context.Context, aggregateID string) (int64, error)

	// HeadPosition returns the global position of the newest committed
	// event, 0 for an empty log. Projectors use it to report lag.
	HeadPosition(ctx context.Context) (int64, error)

	// Close releases the store's resources.
	Close() error
}

// ValidateBatch checks the batch invariants AppendEvents relies on: the batch
// is non-empty, every event belongs to aggregateID, and versions are dense
// ascending starting at expectedVersion+1.
func ValidateBatch(aggregateID string, expectedVersion int64, events []*domain.Event) error {
	if len(events) == 0 {
		return domain.NewInvalidBatchError("empty batch for aggregate %s", aggregateID)
	}
	for i, evt := range events {
		if evt.AggregateID != aggregateID {
			return domain.NewInvalidBatchError(
				"event %s belongs to aggregate %s, batch is for %s",
				evt.ID, evt.AggregateID, aggregateID)
		}
		if want := expectedVersion + int64(i) + 1; evt.Version != want {
			return domain.NewInvalidBatchError(
				"event %s has version %d, want %d", evt.ID, evt.Version, want)
		}
	}
	return nil
}
