package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/sqlite"
	"github.com/cognifyhq/aidomain/pkg/store"
)

func TestSnapshotStore(t *testing.T) {
	ctx := context.Background()
	_, db := newTestEventStore(t) // migrations create the snapshot tables

	snapshots, err := sqlite.NewSnapshotStore(db, "content_generation")
	if err != nil {
		t.Fatalf("failed to create snapshot store: %v", err)
	}

	t.Run("UnknownAggregateTypeRejected", func(t *testing.T) {
		if _, err := sqlite.NewSnapshotStore(db, "bank_account"); err == nil {
			t.Fatal("expected an error for an unregistered aggregate type")
		}
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		now := time.Now()
		snap := &store.Snapshot{
			AggregateID:   "agg-1",
			AggregateType: "content_generation",
			Version:       3,
			State:         []byte(`{"schema_version":1,"requests":{}}`),
			Active:        true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := snapshots.Save(ctx, snap); err != nil {
			t.Fatalf("save snapshot: %v", err)
		}

		loaded, err := snapshots.Load(ctx, "agg-1")
		if err != nil {
			t.Fatalf("load snapshot: %v", err)
		}
		if loaded.Version != 3 {
			t.Errorf("expected version 3, got %d", loaded.Version)
		}
		if string(loaded.State) != string(snap.State) {
			t.Errorf("state blob changed on round trip: %s", loaded.State)
		}
		if !loaded.Active {
			t.Error("active flag lost on round trip")
		}
		if loaded.AggregateType != "content_generation" {
			t.Errorf("unexpected aggregate type %q", loaded.AggregateType)
		}
	})

	t.Run("SaveUpsertsNewerVersion", func(t *testing.T) {
		now := time.Now()
		if err := snapshots.Save(ctx, &store.Snapshot{
			AggregateID: "agg-1",
			Version:     5,
			State:       []byte(`{"schema_version":1,"requests":{"r":{}}}`),
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			t.Fatalf("upsert snapshot: %v", err)
		}

		loaded, err := snapshots.Load(ctx, "agg-1")
		if err != nil {
			t.Fatalf("load snapshot: %v", err)
		}
		if loaded.Version != 5 {
			t.Errorf("expected version 5 after upsert, got %d", loaded.Version)
		}
	})

	t.Run("LoadMissingReturnsSnapshotNotFound", func(t *testing.T) {
		if _, err := snapshots.Load(ctx, "never-saved"); !errors.Is(err, domain.ErrSnapshotNotFound) {
			t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
		}
	})

	t.Run("DeleteRemovesRow", func(t *testing.T) {
		if err := snapshots.Delete(ctx, "agg-1"); err != nil {
			t.Fatalf("delete snapshot: %v", err)
		}
		if _, err := snapshots.Load(ctx, "agg-1"); !errors.Is(err, domain.ErrSnapshotNotFound) {
			t.Fatalf("expected ErrSnapshotNotFound after delete, got %v", err)
		}
	})
}
