package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/observability"
)

// TxRunner executes a function within a single storage transaction. The
// transaction travels in the context; stores that honor it join the same
// transaction instead of opening their own.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Publisher hands committed event batches to the event bus.
type Publisher interface {
	Publish(ctx context.Context, events []*domain.Event) error
}

// Repository binds an aggregate type to persistence: it rehydrates aggregates
// from snapshot plus tail events and persists changes as one transaction of
// (events appended, snapshot upserted), publishing to the bus only after the
// transaction committed.
type Repository[T domain.Aggregate] struct {
	events    EventStore
	snapshots SnapshotStore
	tx        TxRunner
	bus       Publisher
	factory   func(id string) T
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// RepositoryOption configures a Repository.
type RepositoryOption[T domain.Aggregate] func(*Repository[T])

// WithSnapshots enables snapshotting through the given store. Without it the
// repository rehydrates by full replay and skips the snapshot upsert.
func WithSnapshots[T domain.Aggregate](snapshots SnapshotStore) RepositoryOption[T] {
	return func(r *Repository[T]) {
		r.snapshots = snapshots
	}
}

// WithPublisher wires the bus that receives committed batches after each save.
func WithPublisher[T domain.Aggregate](bus Publisher) RepositoryOption[T] {
	return func(r *Repository[T]) {
		r.bus = bus
	}
}

// WithRepositoryLogger sets the logger. Defaults to slog.Default().
func WithRepositoryLogger[T domain.Aggregate](logger *slog.Logger) RepositoryOption[T] {
	return func(r *Repository[T]) {
		r.logger = logger
	}
}

// WithRepositoryMetrics records snapshot hit rates on loads.
func WithRepositoryMetrics[T domain.Aggregate](m *observability.Metrics) RepositoryOption[T] {
	return func(r *Repository[T]) {
		r.metrics = m
	}
}

// NewRepository creates a repository for one aggregate kind. factory builds an
// empty aggregate for the given id; the repository never looks inside T.
func NewRepository[T domain.Aggregate](
	events EventStore,
	tx TxRunner,
	factory func(id string) T,
	opts ...RepositoryOption[T],
) *Repository[T] {
	r := &Repository[T]{
		events:  events,
		tx:      tx,
		factory: factory,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load rehydrates an aggregate: snapshot state if present, then tail events
// with Version > snapshot.Version applied in order. An aggregate with no
// snapshot and no events is domain.ErrNotFound. A snapshot that fails to
// load or decode degrades to full replay.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	aggregate := r.factory(id)
	fromVersion := int64(0)

	if r.snapshots != nil {
		snap, err := r.snapshots.Load(ctx, id)
		switch {
		case err == nil:
			if uerr := aggregate.UnmarshalState(snap.State); uerr != nil {
				r.logger.Warn("snapshot state decode failed, replaying full history",
					"aggregate_id", id, "error", uerr)
				aggregate = r.factory(id)
			} else {
				seedVersion(aggregate, snap.Version)
				fromVersion = snap.Version
			}
		case errors.Is(err, domain.ErrSnapshotNotFound):
			// First load or snapshot was dropped; replay from the start.
		default:
			r.logger.Warn("snapshot load failed, replaying full history",
				"aggregate_id", id, "error", err)
		}
		r.metrics.ObserveSnapshotLoad(ctx, aggregate.Type(), fromVersion > 0)
	}

	events, err := r.events.LoadEvents(ctx, id, fromVersion)
	if err != nil {
		return zero, fmt.Errorf("load events for %s: %w", id, err)
	}

	if len(events) == 0 && fromVersion == 0 {
		return zero, domain.ErrNotFound
	}

	for _, evt := range events {
		if err := aggregate.ApplyEvent(evt); err != nil {
			return zero, fmt.Errorf("apply event %s to %s: %w", evt.ID, id, err)
		}
		seedVersion(aggregate, evt.Version)
	}

	return aggregate, nil
}

// Save persists the aggregate's uncommitted events and its snapshot in one
// transaction, marks the events committed and hands the batch to the bus.
// On domain.ErrVersionConflict the in-memory aggregate is untouched: reload,
// re-apply the command and retry. A failed publish after a successful commit
// surfaces as domain.ErrBusUnavailable; the durable effect is preserved and
// projector checkpoints close the gap.
func (r *Repository[T]) Save(ctx context.Context, aggregate T) error {
	uncommitted := aggregate.UncommittedEvents()
	if len(uncommitted) == 0 {
		return nil
	}

	expectedVersion := aggregate.Version() - int64(len(uncommitted))

	err := r.tx.WithinTx(ctx, func(txCtx context.Context) error {
		// Events first: if the snapshot upsert fails the whole transaction
		// aborts and snapshot and log can never diverge.
		if err := r.events.AppendEvents(txCtx, aggregate.ID(), expectedVersion, uncommitted); err != nil {
			return err
		}

		if r.snapshots == nil {
			return nil
		}

		state, err := aggregate.MarshalState()
		if err != nil {
			return fmt.Errorf("marshal state of %s: %w", aggregate.ID(), err)
		}
		now := domain.Now()
		return r.snapshots.Save(txCtx, &Snapshot{
			AggregateID:   aggregate.ID(),
			AggregateType: aggregate.Type(),
			Version:       aggregate.Version(),
			State:         state,
			Active:        true,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	})
	if err != nil {
		return err
	}

	aggregate.MarkCommitted()

	if r.bus != nil {
		if err := r.bus.Publish(ctx, uncommitted); err != nil {
			r.logger.Error("publish after commit failed",
				"aggregate_id", aggregate.ID(), "events", len(uncommitted), "error", err)
			return fmt.Errorf("%w: %v", domain.ErrBusUnavailable, err)
		}
	}

	return nil
}

// LoadOrNew rehydrates the aggregate, or returns a fresh empty one at
// version 0 when it has no history yet.
func (r *Repository[T]) LoadOrNew(ctx context.Context, id string) (T, error) {
	aggregate, err := r.Load(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return r.factory(id), nil
	}
	return aggregate, err
}

// Exists reports whether the aggregate has at least one committed event.
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	version, err := r.events.AggregateVersion(ctx, id)
	if err != nil {
		return false, err
	}
	return version > 0, nil
}

// RetryOnConflict runs fn against a freshly loaded aggregate, retrying with
// jittered exponential backoff while fn returns domain.ErrVersionConflict.
// Only the conflict error is retryable: state evolved under the caller, so
// each attempt re-loads and re-applies the command.
func (r *Repository[T]) RetryOnConflict(ctx context.Context, id string, maxRetries int, fn func(T) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		var aggregate T
		aggregate, err = r.Load(ctx, id)
		if err != nil {
			return err
		}

		err = fn(aggregate)
		if err == nil || !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		backoff := time.Duration(10*(1<<uint(attempt))) * time.Millisecond
		backoff += time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// seedVersion force-sets the version counter on aggregates that embed
// AggregateRoot; loading history must not route through Raise.
func seedVersion(aggregate domain.Aggregate, version int64) {
	if setter, ok := aggregate.(interface{ SetVersion(int64) }); ok {
		setter.SetVersion(version)
	}
}
