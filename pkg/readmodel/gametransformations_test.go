package readmodel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/readmodel"
	"github.com/cognifyhq/aidomain/pkg/research"
)

func transformOp(problemID, gameFormat, curve string) func(*research.Aggregate) error {
	return func(a *research.Aggregate) error {
		return a.TransformToGameProblem(problemID, gameFormat, curve, meta)
	}
}

func TestGameTransformationIndex(t *testing.T) {
	ctx := context.Background()
	index, err := readmodel.NewGameTransformationIndex(newIndexDB(t))
	require.NoError(t, err)

	a := research.New("catalog-1")
	events := researchEvents(t, a,
		createOp("prob-1", "Folding", "biology"),
		createOp("prob-2", "Routing", "logistics"),
		transformOp("prob-1", "puzzle", "linear"),
		transformOp("prob-2", "simulation", "steep"),
	)
	for _, event := range events {
		require.NoError(t, index.Handle(ctx, event))
	}

	t.Run("OnlyTransformationsIndexed", func(t *testing.T) {
		row, err := index.Get(ctx, "prob-1")
		require.NoError(t, err)
		assert.Equal(t, "puzzle", row.GameFormat)
		assert.Equal(t, "linear", row.DifficultyCurve)
		assert.Equal(t, "catalog-1", row.AggregateID)
		assert.False(t, row.TransformedAt.IsZero())
	})

	t.Run("RedeliveryIsNoOp", func(t *testing.T) {
		for _, event := range events {
			require.NoError(t, index.Handle(ctx, event))
		}
		row, err := index.Get(ctx, "prob-1")
		require.NoError(t, err)
		assert.Equal(t, "puzzle", row.GameFormat)
	})

	t.Run("ListByFormat", func(t *testing.T) {
		puzzles, err := index.ListByFormat(ctx, "puzzle", 10)
		require.NoError(t, err)
		require.Len(t, puzzles, 1)
		assert.Equal(t, "prob-1", puzzles[0].ProblemID)

		none, err := index.ListByFormat(ctx, "quiz", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("GetUnknownReturnsNotFound", func(t *testing.T) {
		_, err := index.Get(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ResetDropsAllRows", func(t *testing.T) {
		require.NoError(t, index.Reset(ctx))
		_, err := index.Get(ctx, "prob-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
