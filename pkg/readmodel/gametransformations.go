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

// GameTransformationRow is one row of the game transformation index.
type GameTransformationRow struct {
	ProblemID          string
	AggregateID        string
	GameFormat         string
	DifficultyCurve    string
	TransformedAt      time.Time
	LastAppliedVersion int64
}

// GameTransformationIndex projects ProblemTransformedToGame events into an
// index of playable game problems.
type GameTransformationIndex struct {
	db *sqlite.DB
}

// NewGameTransformationIndex creates the index and its table.
func NewGameTransformationIndex(db *sqlite.DB) (*GameTransformationIndex, error) {
	if err := RunMigrations(db); err != nil {
		return nil, err
	}
	return &GameTransformationIndex{db: db}, nil
}

// Name implements projection.Projection.
func (p *GameTransformationIndex) Name() string { return "game_transformation_index" }

// EventTypes implements projection.Projection.
func (p *GameTransformationIndex) EventTypes() []string {
	return []string{research.EventProblemTransformedToGame}
}

// Handle applies one transformation event to the index.
func (p *GameTransformationIndex) Handle(ctx context.Context, event *domain.Event) error {
	if event.EventType != research.EventProblemTransformedToGame {
		return nil
	}

	var payload research.ProblemTransformedToGamePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decode %s: %w", event.EventType, err)
	}

	_, err := p.db.Exec(ctx).ExecContext(ctx, `
		INSERT INTO game_transformation_index (problem_id, aggregate_id, game_format, difficulty_curve, transformed_at, last_applied_version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (problem_id) DO UPDATE SET
			game_format = excluded.game_format,
			difficulty_curve = excluded.difficulty_curve,
			transformed_at = excluded.transformed_at,
			last_applied_version = excluded.last_applied_version
		WHERE excluded.last_applied_version > game_transformation_index.last_applied_version`,
		payload.ProblemID, event.AggregateID, payload.GameFormat,
		payload.DifficultyCurve, payload.TransformedAt.UnixNano(), event.Version,
	)
	if err != nil {
		return domain.NewStorageError("index game transformation", err)
	}
	return nil
}

// Reset drops all rows ahead of a rebuild.
func (p *GameTransformationIndex) Reset(ctx context.Context) error {
	_, err := p.db.Exec(ctx).ExecContext(ctx, `DELETE FROM game_transformation_index`)
	if err != nil {
		return domain.NewStorageError("reset game_transformation_index", err)
	}
	return nil
}

// Get returns one transformation row.
func (p *GameTransformationIndex) Get(ctx context.Context, problemID string) (*GameTransformationRow, error) {
	var (
		row           GameTransformationRow
		transformedAt int64
	)
	err := p.db.Exec(ctx).QueryRowContext(ctx, `
		SELECT problem_id, aggregate_id, game_format, difficulty_curve, transformed_at, last_applied_version
		FROM game_transformation_index WHERE problem_id = ?`,
		problemID,
	).Scan(&row.ProblemID, &row.AggregateID, &row.GameFormat, &row.DifficultyCurve, &transformedAt, &row.LastAppliedVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.NewStorageError("scan game transformation", err)
	}

	row.TransformedAt = time.Unix(0, transformedAt)
	return &row, nil
}

// ListByFormat returns up to limit transformations of one game format,
// newest first.
func (p *GameTransformationIndex) ListByFormat(ctx context.Context, gameFormat string, limit int) ([]*GameTransformationRow, error) {
	rows, err := p.db.Exec(ctx).QueryContext(ctx, `
		SELECT problem_id, aggregate_id, game_format, difficulty_curve, transformed_at, last_applied_version
		FROM game_transformation_index
		WHERE game_format = ?
		ORDER BY transformed_at DESC
		LIMIT ?`,
		gameFormat, limit,
	)
	if err != nil {
		return nil, domain.NewStorageError("list game transformations", err)
	}
	defer rows.Close()

	var result []*GameTransformationRow
	for rows.Next() {
		var (
			row           GameTransformationRow
			transformedAt int64
		)
		if err := rows.Scan(&row.ProblemID, &row.AggregateID, &row.GameFormat, &row.DifficultyCurve, &transformedAt, &row.LastAppliedVersion); err != nil {
			return nil, domain.NewStorageError("scan game transformation", err)
		}
		row.TransformedAt = time.Unix(0, transformedAt)
		result = append(result, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate game transformations", err)
	}
	return result, nil
}
