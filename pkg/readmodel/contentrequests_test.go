package readmodel_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognifyhq/aidomain/pkg/contentgen"
	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/readmodel"
	"github.com/cognifyhq/aidomain/pkg/sqlite"
)

var meta = domain.EventMetadata{CorrelationID: "corr-1", ActorID: "learner-7"}

func newIndexDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// contentEvents drives the aggregate through ops and returns the raised events.
func contentEvents(t *testing.T, a *contentgen.Aggregate, ops ...func(*contentgen.Aggregate) error) []*domain.Event {
	t.Helper()
	for _, op := range ops {
		require.NoError(t, op(a))
	}
	events := a.UncommittedEvents()
	a.MarkCommitted()
	return events
}

func TestContentRequestIndexLifecycle(t *testing.T) {
	ctx := context.Background()
	index, err := readmodel.NewContentRequestIndex(newIndexDB(t))
	require.NoError(t, err)

	a := contentgen.New("unit-1")
	events := contentEvents(t, a,
		func(a *contentgen.Aggregate) error {
			return a.RequestContentGeneration("req-1", "prompt injection", "beginner", contentgen.KindText, meta)
		},
		func(a *contentgen.Aggregate) error {
			return a.RecordGeneratedContent("req-1", "Generated text.", "", meta)
		},
		func(a *contentgen.Aggregate) error {
			return a.RecordDetection("req-1", true, decimal.NewFromFloat(0.85), "uniform phrasing", meta)
		},
	)

	for _, event := range events {
		require.NoError(t, index.Handle(ctx, event))
	}

	row, err := index.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "unit-1", row.AggregateID)
	assert.Equal(t, "prompt injection", row.Topic)
	assert.Equal(t, string(contentgen.StatusCompleted), row.Status)
	assert.Equal(t, string(contentgen.KindText), row.ContentKind)
	assert.Equal(t, "learner-7", row.RequestedBy)
	require.NotNil(t, row.DetectionConfidence)
	assert.True(t, row.DetectionConfidence.Equal(decimal.NewFromFloat(0.85)))
	assert.Equal(t, int64(3), row.LastAppliedVersion)
}

func TestContentRequestIndexFailedRequest(t *testing.T) {
	ctx := context.Background()
	index, err := readmodel.NewContentRequestIndex(newIndexDB(t))
	require.NoError(t, err)

	a := contentgen.New("unit-1")
	events := contentEvents(t, a,
		func(a *contentgen.Aggregate) error {
			return a.RequestContentGeneration("req-1", "topic", "beginner", contentgen.KindText, meta)
		},
		func(a *contentgen.Aggregate) error {
			return a.FailContentGeneration("req-1", "provider timeout", meta)
		},
	)
	for _, event := range events {
		require.NoError(t, index.Handle(ctx, event))
	}

	row, err := index.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, string(contentgen.StatusFailed), row.Status)
}

func TestContentRequestIndexIdempotence(t *testing.T) {
	ctx := context.Background()
	index, err := readmodel.NewContentRequestIndex(newIndexDB(t))
	require.NoError(t, err)

	a := contentgen.New("unit-1")
	events := contentEvents(t, a,
		func(a *contentgen.Aggregate) error {
			return a.RequestContentGeneration("req-1", "topic", "beginner", contentgen.KindText, meta)
		},
		func(a *contentgen.Aggregate) error {
			return a.RecordGeneratedContent("req-1", "text", "", meta)
		},
	)
	for _, event := range events {
		require.NoError(t, index.Handle(ctx, event))
	}

	// redeliver everything; the guarded writes must not change the row
	for _, event := range events {
		require.NoError(t, index.Handle(ctx, event))
	}

	row, err := index.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, string(contentgen.StatusCompleted), row.Status)
	assert.Equal(t, int64(2), row.LastAppliedVersion)
}

func TestContentRequestIndexMissingRowFailsForRetry(t *testing.T) {
	ctx := context.Background()
	index, err := readmodel.NewContentRequestIndex(newIndexDB(t))
	require.NoError(t, err)

	a := contentgen.New("unit-1")
	events := contentEvents(t, a,
		func(a *contentgen.Aggregate) error {
			return a.RequestContentGeneration("req-1", "topic", "beginner", contentgen.KindText, meta)
		},
		func(a *contentgen.Aggregate) error {
			return a.RecordGeneratedContent("req-1", "text", "", meta)
		},
	)

	// the follow-up event arrives before the row-creating one
	err = index.Handle(ctx, events[1])
	require.Error(t, err, "an update without its base row must fail so the delivery retries")

	require.NoError(t, index.Handle(ctx, events[0]))
	require.NoError(t, index.Handle(ctx, events[1]))

	row, err := index.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, string(contentgen.StatusCompleted), row.Status)
}

func TestContentRequestIndexQueries(t *testing.T) {
	ctx := context.Background()
	index, err := readmodel.NewContentRequestIndex(newIndexDB(t))
	require.NoError(t, err)

	a := contentgen.New("unit-1")
	events := contentEvents(t, a,
		func(a *contentgen.Aggregate) error {
			return a.RequestContentGeneration("req-1", "topic one", "beginner", contentgen.KindText, meta)
		},
		func(a *contentgen.Aggregate) error {
			return a.RequestContentGeneration("req-2", "topic two", "advanced", contentgen.KindImage, meta)
		},
		func(a *contentgen.Aggregate) error {
			return a.RecordGeneratedContent("req-1", "text", "", meta)
		},
	)
	for _, event := range events {
		require.NoError(t, index.Handle(ctx, event))
	}

	t.Run("ListByStatus", func(t *testing.T) {
		pending, err := index.ListByStatus(ctx, string(contentgen.StatusPending), 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "req-2", pending[0].RequestID)

		completed, err := index.ListByStatus(ctx, string(contentgen.StatusCompleted), 10)
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, "req-1", completed[0].RequestID)
	})

	t.Run("GetUnknownReturnsNotFound", func(t *testing.T) {
		_, err := index.Get(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ResetDropsAllRows", func(t *testing.T) {
		require.NoError(t, index.Reset(ctx))
		_, err := index.Get(ctx, "req-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
