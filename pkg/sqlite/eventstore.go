package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/observability"
	"github.com/cognifyhq/aidomain/pkg/store"
)

// EventStore is the SQLite implementation of store.EventStore. Appends run in
// a single transaction with an expected-version check; the unique index on
// (aggregate_id, version) is the backstop against writers that race past the
// read.
type EventStore struct {
	db      *DB
	metrics *observability.Metrics
}

type eventStoreConfig struct {
	autoMigrate bool
	metrics     *observability.Metrics
}

// EventStoreOption configures NewEventStore.
type EventStoreOption func(*eventStoreConfig)

// WithAutoMigrate toggles running pending migrations on startup. Default on.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) { c.autoMigrate = enabled }
}

// WithEventStoreMetrics instruments the store with the given metric set.
func WithEventStoreMetrics(m *observability.Metrics) EventStoreOption {
	return func(c *eventStoreConfig) { c.metrics = m }
}

// NewEventStore creates the event store on the given database handle.
func NewEventStore(db *DB, opts ...EventStoreOption) (*EventStore, error) {
	config := eventStoreConfig{autoMigrate: true}
	for _, opt := range opts {
		opt(&config)
	}

	if config.autoMigrate {
		if err := runMigrations(db.DB); err != nil {
			return nil, fmt.Errorf("migrate event store: %w", err)
		}
	}

	return &EventStore{db: db, metrics: config.metrics}, nil
}

// DB exposes the underlying handle so the composition root can share it with
// the snapshot store and the repository's transaction runner.
func (s *EventStore) DB() *DB { return s.db }

// AppendEvents appends a validated batch atomically. The commit timestamp and
// the global position are assigned here, not by the caller; on success they
// are written back into the supplied events so post-commit publishing carries
// them. Joins a transaction already present in ctx.
func (s *EventStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) error {
	if err := store.ValidateBatch(aggregateID, expectedVersion, events); err != nil {
		return err
	}

	started := time.Now()
	err := s.db.WithinTx(ctx, func(txCtx context.Context) error {
		ex := s.db.Exec(txCtx)

		var current int64
		err := ex.QueryRowContext(txCtx,
			`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
			aggregateID,
		).Scan(&current)
		if err != nil {
			return domain.NewStorageError("append: read current version", err)
		}

		if current != expectedVersion {
			return domain.ErrVersionConflict
		}

		committedAt := domain.Now()
		for _, evt := range events {
			metadataJSON, err := json.Marshal(evt.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata of event %s: %w", evt.ID, err)
			}

			res, err := ex.ExecContext(txCtx, `
				INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, payload, metadata, version, timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				evt.ID, evt.AggregateID, evt.AggregateType, evt.EventType,
				evt.Payload, string(metadataJSON), evt.Version, committedAt.UnixNano(),
			)
			if err != nil {
				if isVersionConflict(err) {
					return domain.ErrVersionConflict
				}
				return domain.NewStorageError("append: insert event", err)
			}

			position, err := res.LastInsertId()
			if err != nil {
				return domain.NewStorageError("append: read position", err)
			}
			evt.Timestamp = committedAt
			evt.Position = position
		}

		return nil
	})

	if s.metrics != nil {
		s.metrics.ObserveAppend(ctx, events[0].AggregateType, len(events), time.Since(started), err)
	}

	return err
}

// LoadEvents returns the ordered events of one aggregate with
// Version > afterVersion.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	rows, err := s.db.Exec(ctx).QueryContext(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, payload, metadata, version, timestamp, position
		FROM events
		WHERE aggregate_id = ? AND version > ?
		ORDER BY version`,
		aggregateID, afterVersion,
	)
	if err != nil {
		return nil, domain.NewStorageError("load events", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadEventsByType returns up to limit events of one aggregate type with
// Timestamp >= since, ordered by (timestamp, aggregate_id, version).
func (s *EventStore) LoadEventsByType(ctx context.Context, aggregateType string, since time.Time, limit int) ([]*domain.Event, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	rows, err := s.db.Exec(ctx).QueryContext(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, payload, metadata, version, timestamp, position
		FROM events
		WHERE aggregate_type = ? AND timestamp >= ?
		ORDER BY timestamp, aggregate_id, version
		LIMIT ?`,
		aggregateType, since.UnixNano(), limit,
	)
	if err != nil {
		return nil, domain.NewStorageError("load events by type", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadAllEvents returns up to limit events with Position > fromPosition in
// global append order.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	rows, err := s.db.Exec(ctx).QueryContext(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, payload, metadata, version, timestamp, position
		FROM events
		WHERE position > ?
		ORDER BY position
		LIMIT ?`,
		fromPosition, limit,
	)
	if err != nil {
		return nil, domain.NewStorageError("load all events", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// AggregateVersion returns the current max version, 0 for unknown aggregates.
func (s *EventStore) AggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	var version int64
	err := s.db.Exec(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, domain.NewStorageError("aggregate version", err)
	}

	return version, nil
}

// HeadPosition returns the global position of the newest committed event.
func (s *EventStore) HeadPosition(ctx context.Context) (int64, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	var head int64
	err := s.db.Exec(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM events`,
	).Scan(&head)
	if err != nil {
		return 0, domain.NewStorageError("head position", err)
	}

	return head, nil
}

// Close closes the underlying database handle.
func (s *EventStore) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var events []*domain.Event
	for rows.Next() {
		var (
			evt          domain.Event
			metadataJSON string
			timestamp    int64
		)
		if err := rows.Scan(
			&evt.ID, &evt.AggregateID, &evt.AggregateType, &evt.EventType,
			&evt.Payload, &metadataJSON, &evt.Version, &timestamp, &evt.Position,
		); err != nil {
			return nil, domain.NewStorageError("scan event", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &evt.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of event %s: %w", evt.ID, err)
		}
		evt.Timestamp = time.Unix(0, timestamp)
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate events", err)
	}
	return events, nil
}

// isVersionConflict detects the unique index on (aggregate_id, version)
// firing under a write race that slipped past the version read.
func isVersionConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: events.aggregate_id")
}
