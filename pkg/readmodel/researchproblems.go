package readmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/research"
	"github.com/cognifyhq/aidomain/pkg/sqlite"
)

// ResearchProblemRow is one row of the research problem index.
type ResearchProblemRow struct {
	ProblemID          string
	AggregateID        string
	Title              string
	Domain             string
	Institution        string
	Status             string
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Active             bool
	LastAppliedVersion int64
}

// ResearchProblemIndex projects research problem events into a queryable
// per-problem index. It replaces scanning serialized problem state with
// indexed columns.
type ResearchProblemIndex struct {
	db *sqlite.DB
}

// NewResearchProblemIndex creates the index and its table.
func NewResearchProblemIndex(db *sqlite.DB) (*ResearchProblemIndex, error) {
	if err := RunMigrations(db); err != nil {
		return nil, err
	}
	return &ResearchProblemIndex{db: db}, nil
}

// Name implements projection.Projection.
func (p *ResearchProblemIndex) Name() string { return "research_problem_index" }

// EventTypes implements projection.Projection.
func (p *ResearchProblemIndex) EventTypes() []string { return research.EventTypes() }

// Handle applies one research problem event to the index.
func (p *ResearchProblemIndex) Handle(ctx context.Context, event *domain.Event) error {
	ex := p.db.Exec(ctx)
	now := domain.Now().UnixNano()

	switch event.EventType {
	case research.EventProblemCreated:
		var payload research.ProblemCreatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		_, err := ex.ExecContext(ctx, `
			INSERT INTO research_problem_index (problem_id, aggregate_id, title, domain, institution, status, created_by, created_at, updated_at, active, last_applied_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (problem_id) DO UPDATE SET
				title = excluded.title,
				domain = excluded.domain,
				institution = excluded.institution,
				updated_at = excluded.updated_at,
				last_applied_version = excluded.last_applied_version
			WHERE excluded.last_applied_version > research_problem_index.last_applied_version`,
			payload.ProblemID, event.AggregateID, payload.Title, payload.Domain,
			payload.Institution, string(research.StatusActive), payload.CreatedBy,
			payload.CreatedAt.UnixNano(), now, event.Version,
		)
		if err != nil {
			return domain.NewStorageError("index research problem", err)
		}
		return nil

	case research.EventProblemUpdated:
		var payload research.ProblemUpdatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		return applyGuarded(ctx, ex, "research_problem_index", "problem_id", payload.ProblemID, `
			UPDATE research_problem_index
			SET title = COALESCE(?, title),
				domain = COALESCE(?, domain),
				institution = COALESCE(?, institution),
				updated_at = ?,
				last_applied_version = ?
			WHERE problem_id = ? AND last_applied_version < ?`,
			payload.Title, payload.Domain, payload.Institution,
			now, event.Version, payload.ProblemID, event.Version,
		)

	case research.EventProblemTransformedToGame:
		var payload research.ProblemTransformedToGamePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		return applyGuarded(ctx, ex, "research_problem_index", "problem_id", payload.ProblemID, `
			UPDATE research_problem_index
			SET status = ?, updated_at = ?, last_applied_version = ?
			WHERE problem_id = ? AND last_applied_version < ?`,
			string(research.StatusTransformed), now, event.Version,
			payload.ProblemID, event.Version,
		)

	case research.EventProblemArchived:
		var payload research.ProblemArchivedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		return applyGuarded(ctx, ex, "research_problem_index", "problem_id", payload.ProblemID, `
			UPDATE research_problem_index
			SET status = ?, active = 0, updated_at = ?, last_applied_version = ?
			WHERE problem_id = ? AND last_applied_version < ?`,
			string(research.StatusArchived), now, event.Version,
			payload.ProblemID, event.Version,
		)

	default:
		return nil
	}
}

// Reset drops all rows ahead of a rebuild.
func (p *ResearchProblemIndex) Reset(ctx context.Context) error {
	_, err := p.db.Exec(ctx).ExecContext(ctx, `DELETE FROM research_problem_index`)
	if err != nil {
		return domain.NewStorageError("reset research_problem_index", err)
	}
	return nil
}

// Get returns one problem row.
func (p *ResearchProblemIndex) Get(ctx context.Context, problemID string) (*ResearchProblemRow, error) {
	row := p.db.Exec(ctx).QueryRowContext(ctx, `
		SELECT problem_id, aggregate_id, title, domain, institution, status, created_by, created_at, updated_at, active, last_applied_version
		FROM research_problem_index WHERE problem_id = ?`,
		problemID,
	)
	return scanResearchProblem(row)
}

// ListActive returns up to limit active problems, optionally narrowed to one
// domain, newest first.
func (p *ResearchProblemIndex) ListActive(ctx context.Context, problemDomain string, limit int) ([]*ResearchProblemRow, error) {
	query := `
		SELECT problem_id, aggregate_id, title, domain, institution, status, created_by, created_at, updated_at, active, last_applied_version
		FROM research_problem_index
		WHERE active = 1`
	args := []any{}
	if problemDomain != "" {
		query += ` AND domain = ?`
		args = append(args, problemDomain)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := p.db.Exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("list research problems", err)
	}
	defer rows.Close()

	var result []*ResearchProblemRow
	for rows.Next() {
		r, err := scanResearchProblem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate research problems", err)
	}
	return result, nil
}

func scanResearchProblem(scanner rowScanner) (*ResearchProblemRow, error) {
	var (
		row       ResearchProblemRow
		createdAt int64
		updatedAt int64
	)
	err := scanner.Scan(
		&row.ProblemID, &row.AggregateID, &row.Title, &row.Domain,
		&row.Institution, &row.Status, &row.CreatedBy, &createdAt, &updatedAt,
		&row.Active, &row.LastAppliedVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.NewStorageError("scan research problem", err)
	}

	row.CreatedAt = time.Unix(0, createdAt)
	row.UpdatedAt = time.Unix(0, updatedAt)
	return &row, nil
}
