package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/projection"
)

// StatusStore records the operational state of each projection so operators
// can see halted projections without log spelunking.
type StatusStore struct {
	db *DB
}

// NewStatusStore creates the projection status store. The table is created by
// the projection support migrations.
func NewStatusStore(db *DB) *StatusStore {
	return &StatusStore{db: db}
}

// Save upserts a projection's state.
func (s *StatusStore) Save(ctx context.Context, state *projection.State) error {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx).ExecContext(ctx, `
		INSERT INTO projection_status (projection_name, status, message, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			updated_at = excluded.updated_at`,
		state.ProjectionName, string(state.Status), state.Message,
		state.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return domain.NewStorageError("save projection status", err)
	}

	return nil
}

// Load returns a projection's recorded state, or nil when it never reported.
func (s *StatusStore) Load(ctx context.Context, projectionName string) (*projection.State, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()

	var (
		state     projection.State
		status    string
		updatedAt int64
	)
	err := s.db.Exec(ctx).QueryRowContext(ctx, `
		SELECT projection_name, status, message, updated_at
		FROM projection_status WHERE projection_name = ?`,
		projectionName,
	).Scan(&state.ProjectionName, &status, &state.Message, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewStorageError("load projection status", err)
	}

	state.Status = projection.Status(status)
	state.UpdatedAt = time.Unix(0, updatedAt)
	return &state, nil
}
