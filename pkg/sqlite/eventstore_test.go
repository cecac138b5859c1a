package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/idgen"
	"github.com/cognifyhq/aidomain/pkg/sqlite"
)

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEventStore(t *testing.T) (*sqlite.EventStore, *sqlite.DB) {
	t.Helper()
	db := openTestDB(t)
	store, err := sqlite.NewEventStore(db)
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}
	return store, db
}

// makeEvents builds a contiguous batch starting at afterVersion+1.
func makeEvents(t *testing.T, aggregateID string, afterVersion int64, eventTypes ...string) []*domain.Event {
	t.Helper()
	events := make([]*domain.Event, 0, len(eventTypes))
	for i, eventType := range eventTypes {
		payload, err := json.Marshal(map[string]any{"schema_version": 1, "seq": i})
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		events = append(events, &domain.Event{
			ID:            idgen.NewEventID(),
			AggregateID:   aggregateID,
			AggregateType: "content_generation",
			EventType:     eventType,
			Version:       afterVersion + int64(i) + 1,
			Payload:       payload,
			Metadata:      domain.EventMetadata{CorrelationID: "corr-1", ActorID: "tester"},
		})
	}
	return events
}

func TestEventStoreAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("AssignsTimestampAndPosition", func(t *testing.T) {
		store, _ := newTestEventStore(t)
		events := makeEvents(t, "agg-1", 0, "ContentRequested", "ContentGenerated")

		if err := store.AppendEvents(ctx, "agg-1", 0, events); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		for i, evt := range events {
			if evt.Timestamp.IsZero() {
				t.Errorf("event %d has no commit timestamp", i)
			}
			if evt.Position == 0 {
				t.Errorf("event %d has no global position", i)
			}
		}
		if events[1].Position <= events[0].Position {
			t.Errorf("positions must grow with append order: %d then %d",
				events[0].Position, events[1].Position)
		}
	})

	t.Run("VersionConflictOnStaleExpectedVersion", func(t *testing.T) {
		store, _ := newTestEventStore(t)
		if err := store.AppendEvents(ctx, "agg-1", 0, makeEvents(t, "agg-1", 0, "ContentRequested")); err != nil {
			t.Fatalf("seed append failed: %v", err)
		}

		err := store.AppendEvents(ctx, "agg-1", 0, makeEvents(t, "agg-1", 0, "ContentRequested"))
		if !errors.Is(err, domain.ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, got %v", err)
		}

		version, err := store.AggregateVersion(ctx, "agg-1")
		if err != nil {
			t.Fatalf("aggregate version: %v", err)
		}
		if version != 1 {
			t.Errorf("rejected append must write nothing, version is %d", version)
		}
	})

	t.Run("RejectsInvalidBatches", func(t *testing.T) {
		store, _ := newTestEventStore(t)

		if err := store.AppendEvents(ctx, "agg-1", 0, nil); !errors.Is(err, domain.ErrInvalidBatch) {
			t.Errorf("empty batch: expected ErrInvalidBatch, got %v", err)
		}

		foreign := makeEvents(t, "agg-2", 0, "ContentRequested")
		if err := store.AppendEvents(ctx, "agg-1", 0, foreign); !errors.Is(err, domain.ErrInvalidBatch) {
			t.Errorf("mixed aggregate: expected ErrInvalidBatch, got %v", err)
		}

		gap := makeEvents(t, "agg-1", 0, "ContentRequested", "ContentGenerated")
		gap[1].Version = 5
		if err := store.AppendEvents(ctx, "agg-1", 0, gap); !errors.Is(err, domain.ErrInvalidBatch) {
			t.Errorf("version gap: expected ErrInvalidBatch, got %v", err)
		}
	})

	t.Run("StreamsAreIndependent", func(t *testing.T) {
		store, _ := newTestEventStore(t)
		if err := store.AppendEvents(ctx, "agg-a", 0, makeEvents(t, "agg-a", 0, "ContentRequested")); err != nil {
			t.Fatalf("append a: %v", err)
		}
		if err := store.AppendEvents(ctx, "agg-b", 0, makeEvents(t, "agg-b", 0, "ContentRequested")); err != nil {
			t.Fatalf("append b: %v", err)
		}

		versionA, _ := store.AggregateVersion(ctx, "agg-a")
		versionB, _ := store.AggregateVersion(ctx, "agg-b")
		if versionA != 1 || versionB != 1 {
			t.Errorf("expected version 1 for both streams, got %d and %d", versionA, versionB)
		}
	})
}

func TestEventStoreLoad(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestEventStore(t)

	if err := store.AppendEvents(ctx, "agg-1", 0,
		makeEvents(t, "agg-1", 0, "ContentRequested", "ContentGenerated", "DetectionRecorded")); err != nil {
		t.Fatalf("seed append failed: %v", err)
	}
	if err := store.AppendEvents(ctx, "agg-2", 0, makeEvents(t, "agg-2", 0, "ContentRequested")); err != nil {
		t.Fatalf("seed append failed: %v", err)
	}

	t.Run("LoadEventsAfterVersion", func(t *testing.T) {
		events, err := store.LoadEvents(ctx, "agg-1", 1)
		if err != nil {
			t.Fatalf("load events: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events after version 1, got %d", len(events))
		}
		if events[0].Version != 2 || events[1].Version != 3 {
			t.Errorf("expected versions 2,3 got %d,%d", events[0].Version, events[1].Version)
		}
		if events[0].Metadata.CorrelationID != "corr-1" {
			t.Errorf("metadata lost on round trip: %+v", events[0].Metadata)
		}
	})

	t.Run("LoadEventsUnknownAggregateIsEmpty", func(t *testing.T) {
		events, err := store.LoadEvents(ctx, "nope", 0)
		if err != nil {
			t.Fatalf("load events: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("expected no events, got %d", len(events))
		}
	})

	t.Run("LoadAllEventsPagesByPosition", func(t *testing.T) {
		first, err := store.LoadAllEvents(ctx, 0, 2)
		if err != nil {
			t.Fatalf("load all: %v", err)
		}
		if len(first) != 2 {
			t.Fatalf("expected a page of 2, got %d", len(first))
		}

		rest, err := store.LoadAllEvents(ctx, first[1].Position, 10)
		if err != nil {
			t.Fatalf("load all tail: %v", err)
		}
		if len(rest) != 2 {
			t.Fatalf("expected 2 remaining events, got %d", len(rest))
		}
		if rest[0].Position <= first[1].Position {
			t.Errorf("pages must not overlap: %d then %d", first[1].Position, rest[0].Position)
		}
	})

	t.Run("LoadEventsByType", func(t *testing.T) {
		events, err := store.LoadEventsByType(ctx, "content_generation", time.Unix(0, 0), 10)
		if err != nil {
			t.Fatalf("load by type: %v", err)
		}
		if len(events) != 4 {
			t.Errorf("expected all 4 events of the type, got %d", len(events))
		}
	})

	t.Run("HeadPosition", func(t *testing.T) {
		head, err := store.HeadPosition(ctx)
		if err != nil {
			t.Fatalf("head position: %v", err)
		}
		all, err := store.LoadAllEvents(ctx, 0, 10)
		if err != nil {
			t.Fatalf("load all: %v", err)
		}
		if head != all[len(all)-1].Position {
			t.Errorf("head %d does not match newest position %d", head, all[len(all)-1].Position)
		}
	})
}

func TestEventStoreAppendCanceledContext(t *testing.T) {
	store, _ := newTestEventStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.AppendEvents(ctx, "agg-1", 0, makeEvents(t, "agg-1", 0, "ContentRequested"))
	if err == nil {
		t.Fatal("expected append with a canceled context to fail")
	}

	version, err := store.AggregateVersion(context.Background(), "agg-1")
	if err != nil {
		t.Fatalf("aggregate version: %v", err)
	}
	if version != 0 {
		t.Errorf("canceled append must write nothing, version is %d", version)
	}
}

func TestEventStoreHeadPositionEmptyLog(t *testing.T) {
	store, _ := newTestEventStore(t)
	head, err := store.HeadPosition(context.Background())
	if err != nil {
		t.Fatalf("head position: %v", err)
	}
	if head != 0 {
		t.Errorf("expected 0 for an empty log, got %d", head)
	}
}
