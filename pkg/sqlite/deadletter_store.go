package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/store"
)

// DeadLetterStore is the durable sink for events a subscriber permanently
// rejected. Rows keep the full event envelope so an operator can inspect and
// replay them.
type DeadLetterStore struct {
	db *DB
}

// NewDeadLetterStore creates the dead-letter store. The dead_letters table is
// created by the projection support migrations (see NewCheckpointStore); when
// the sink lives in its own database the migrations are run here too.
func NewDeadLetterStore(db *DB) (*DeadLetterStore, error) {
	if err := runProjectionMigrations(db.DB); err != nil {
		return nil, fmt.Errorf("migrate dead-letter store: %w", err)
	}
	return &DeadLetterStore{db: db}, nil
}

// Add parks an event for a subscriber with its final error.
func (s *DeadLetterStore) Add(ctx context.Context, subscriberID string, event *domain.Event, lastErr error, attempts int) error {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata of event %s: %w", event.ID, err)
	}

	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}

	_, err = s.db.Exec(ctx).ExecContext(ctx, `
		INSERT INTO dead_letters (subscriber_id, event_id, aggregate_id, aggregate_type, event_type, version, payload, metadata, last_error, attempts, parked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscriberID, event.ID, event.AggregateID, event.AggregateType,
		event.EventType, event.Version, event.Payload, string(metadataJSON),
		errText, attempts, domain.Now().UnixNano(),
	)
	if err != nil {
		return domain.NewStorageError("add dead letter", err)
	}

	return nil
}

// List returns parked events, oldest first. An empty subscriberID lists
// across all subscribers.
func (s *DeadLetterStore) List(ctx context.Context, subscriberID string, limit int) ([]*store.DeadLetter, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	query := `
		SELECT id, subscriber_id, event_id, aggregate_id, aggregate_type, event_type, version, payload, metadata, last_error, attempts, parked_at
		FROM dead_letters`
	args := []any{}
	if subscriberID != "" {
		query += ` WHERE subscriber_id = ?`
		args = append(args, subscriberID)
	}
	query += ` ORDER BY parked_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("list dead letters", err)
	}
	defer rows.Close()

	var letters []*store.DeadLetter
	for rows.Next() {
		var (
			letter       store.DeadLetter
			evt          domain.Event
			metadataJSON string
			parkedAt     int64
		)
		if err := rows.Scan(
			&letter.ID, &letter.SubscriberID, &evt.ID, &evt.AggregateID,
			&evt.AggregateType, &evt.EventType, &evt.Version, &evt.Payload,
			&metadataJSON, &letter.LastError, &letter.Attempts, &parkedAt,
		); err != nil {
			return nil, domain.NewStorageError("scan dead letter", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &evt.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of dead letter %d: %w", letter.ID, err)
		}
		letter.Event = &evt
		letter.ParkedAt = time.Unix(0, parkedAt)
		letters = append(letters, &letter)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate dead letters", err)
	}

	return letters, nil
}

// Remove deletes a parked event after an operator resolved it.
func (s *DeadLetterStore) Remove(ctx context.Context, id int64) error {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx).ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return domain.NewStorageError("remove dead letter", err)
	}

	return nil
}
