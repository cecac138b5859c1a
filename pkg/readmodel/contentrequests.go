package readmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cognifyhq/aidomain/pkg/contentgen"
	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/sqlite"
)

// ContentRequestRow is one row of the content request index.
type ContentRequestRow struct {
	RequestID           string
	AggregateID         string
	Topic               string
	Difficulty          string
	Status              string
	ContentKind         string
	DetectionConfidence *decimal.Decimal
	RequestedBy         string
	RequestedAt         time.Time
	UpdatedAt           time.Time
	LastAppliedVersion  int64
}

// ContentRequestIndex projects content generation events into a queryable
// per-request index.
type ContentRequestIndex struct {
	db *sqlite.DB
}

// NewContentRequestIndex creates the index and its table.
func NewContentRequestIndex(db *sqlite.DB) (*ContentRequestIndex, error) {
	if err := RunMigrations(db); err != nil {
		return nil, err
	}
	return &ContentRequestIndex{db: db}, nil
}

// Name implements projection.Projection.
func (p *ContentRequestIndex) Name() string { return "content_request_index" }

// EventTypes implements projection.Projection.
func (p *ContentRequestIndex) EventTypes() []string { return contentgen.EventTypes() }

// Handle applies one content generation event to the index.
func (p *ContentRequestIndex) Handle(ctx context.Context, event *domain.Event) error {
	ex := p.db.Exec(ctx)
	now := domain.Now().UnixNano()

	switch event.EventType {
	case contentgen.EventContentRequested:
		var payload contentgen.ContentRequestedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		_, err := ex.ExecContext(ctx, `
			INSERT INTO content_request_index (request_id, aggregate_id, topic, difficulty, status, content_kind, requested_by, requested_at, updated_at, last_applied_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (request_id) DO UPDATE SET
				topic = excluded.topic,
				difficulty = excluded.difficulty,
				requested_by = excluded.requested_by,
				updated_at = excluded.updated_at,
				last_applied_version = excluded.last_applied_version
			WHERE excluded.last_applied_version > content_request_index.last_applied_version`,
			payload.RequestID, event.AggregateID, payload.Topic, payload.Difficulty,
			string(contentgen.StatusPending), payload.Kind, payload.RequestedBy,
			payload.RequestedAt.UnixNano(), now, event.Version,
		)
		if err != nil {
			return domain.NewStorageError("index content request", err)
		}
		return nil

	case contentgen.EventContentGenerated:
		var payload contentgen.ContentGeneratedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		return applyGuarded(ctx, ex, "content_request_index", "request_id", payload.RequestID, `
			UPDATE content_request_index
			SET status = ?, updated_at = ?, last_applied_version = ?
			WHERE request_id = ? AND last_applied_version < ?`,
			string(contentgen.StatusCompleted), now, event.Version,
			payload.RequestID, event.Version,
		)

	case contentgen.EventContentGenerationFailed:
		var payload contentgen.ContentGenerationFailedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		return applyGuarded(ctx, ex, "content_request_index", "request_id", payload.RequestID, `
			UPDATE content_request_index
			SET status = ?, updated_at = ?, last_applied_version = ?
			WHERE request_id = ? AND last_applied_version < ?`,
			string(contentgen.StatusFailed), now, event.Version,
			payload.RequestID, event.Version,
		)

	case contentgen.EventDetectionRecorded:
		var payload contentgen.DetectionRecordedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		return applyGuarded(ctx, ex, "content_request_index", "request_id", payload.RequestID, `
			UPDATE content_request_index
			SET detection_confidence = ?, updated_at = ?, last_applied_version = ?
			WHERE request_id = ? AND last_applied_version < ?`,
			payload.Confidence.String(), now, event.Version,
			payload.RequestID, event.Version,
		)

	default:
		// not ours; the bus filter should have excluded it
		return nil
	}
}

// Reset drops all rows ahead of a rebuild.
func (p *ContentRequestIndex) Reset(ctx context.Context) error {
	_, err := p.db.Exec(ctx).ExecContext(ctx, `DELETE FROM content_request_index`)
	if err != nil {
		return domain.NewStorageError("reset content_request_index", err)
	}
	return nil
}

// Get returns one request row.
func (p *ContentRequestIndex) Get(ctx context.Context, requestID string) (*ContentRequestRow, error) {
	row := p.db.Exec(ctx).QueryRowContext(ctx, `
		SELECT request_id, aggregate_id, topic, difficulty, status, content_kind, detection_confidence, requested_by, requested_at, updated_at, last_applied_version
		FROM content_request_index WHERE request_id = ?`,
		requestID,
	)
	return scanContentRequest(row)
}

// ListByStatus returns up to limit requests in a status, newest first.
func (p *ContentRequestIndex) ListByStatus(ctx context.Context, status string, limit int) ([]*ContentRequestRow, error) {
	rows, err := p.db.Exec(ctx).QueryContext(ctx, `
		SELECT request_id, aggregate_id, topic, difficulty, status, content_kind, detection_confidence, requested_by, requested_at, updated_at, last_applied_version
		FROM content_request_index
		WHERE status = ?
		ORDER BY requested_at DESC
		LIMIT ?`,
		status, limit,
	)
	if err != nil {
		return nil, domain.NewStorageError("list content requests", err)
	}
	defer rows.Close()

	var result []*ContentRequestRow
	for rows.Next() {
		r, err := scanContentRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate content requests", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContentRequest(scanner rowScanner) (*ContentRequestRow, error) {
	var (
		row         ContentRequestRow
		confidence  sql.NullString
		requestedAt int64
		updatedAt   int64
	)
	err := scanner.Scan(
		&row.RequestID, &row.AggregateID, &row.Topic, &row.Difficulty,
		&row.Status, &row.ContentKind, &confidence, &row.RequestedBy,
		&requestedAt, &updatedAt, &row.LastAppliedVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.NewStorageError("scan content request", err)
	}

	if confidence.Valid {
		d, err := decimal.NewFromString(confidence.String)
		if err != nil {
			return nil, fmt.Errorf("parse confidence of request %s: %w", row.RequestID, err)
		}
		row.DetectionConfidence = &d
	}
	row.RequestedAt = time.Unix(0, requestedAt)
	row.UpdatedAt = time.Unix(0, updatedAt)
	return &row, nil
}
