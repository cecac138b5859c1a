package bus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognifyhq/aidomain/pkg/bus"
	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/store"
)

func testEvents(aggregateID, aggregateType string, eventTypes ...string) []*domain.Event {
	events := make([]*domain.Event, len(eventTypes))
	for i, eventType := range eventTypes {
		events[i] = &domain.Event{
			ID:            fmt.Sprintf("%s-evt-%d", aggregateID, i+1),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     eventType,
			Version:       int64(i + 1),
			Timestamp:     time.Now(),
		}
	}
	return events
}

// collector records delivered events and closes seen once the expected
// count arrived.
type collector struct {
	mu     sync.Mutex
	events []*domain.Event
	want   int
	seen   chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, seen: make(chan struct{})}
}

func (c *collector) handle(_ context.Context, event *domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	if len(c.events) == c.want {
		close(c.seen)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []*domain.Event {
	t.Helper()
	select {
	case <-c.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*domain.Event(nil), c.events...)
}

type memorySink struct {
	mu      sync.Mutex
	letters []*store.DeadLetter
	parked  chan struct{}
}

func newMemorySink() *memorySink {
	return &memorySink{parked: make(chan struct{}, 16)}
}

func (s *memorySink) Add(_ context.Context, subscriberID string, event *domain.Event, cause error, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, &store.DeadLetter{
		SubscriberID: subscriberID,
		Event:        event,
		LastError:    cause.Error(),
		Attempts:     attempts,
		ParkedAt:     time.Now(),
	})
	s.parked <- struct{}{}
	return nil
}

func (s *memorySink) List(context.Context, string, int) ([]*store.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*store.DeadLetter(nil), s.letters...), nil
}

func (s *memorySink) Remove(context.Context, int64) error { return nil }

func TestMemoryBusDeliversInPublishOrder(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus()
	defer b.Close(ctx)

	c := newCollector(3)
	_, err := b.Subscribe("index", bus.Filter{}, c.handle)
	require.NoError(t, err)

	events := testEvents("agg-1", "content_generation",
		"ContentRequested", "ContentGenerated", "DetectionCompleted")
	require.NoError(t, b.Publish(ctx, events))

	delivered := c.wait(t)
	require.Len(t, delivered, 3)
	for i, event := range delivered {
		assert.Equal(t, events[i].ID, event.ID, "delivery order must follow publish order")
	}
}

func TestMemoryBusFiltering(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus()
	defer b.Close(ctx)

	c := newCollector(1)
	_, err := b.Subscribe("worker", bus.Filter{
		AggregateTypes: []string{"content_generation"},
		EventTypes:     []string{"ContentRequested"},
	}, c.handle)
	require.NoError(t, err)

	mixed := testEvents("agg-1", "content_generation", "ContentRequested", "ContentGenerated")
	mixed = append(mixed, testEvents("agg-2", "research_problem", "ContentRequested")...)
	require.NoError(t, b.Publish(ctx, mixed))

	delivered := c.wait(t)
	require.Len(t, delivered, 1)
	assert.Equal(t, "agg-1", delivered[0].AggregateID)
	assert.Equal(t, "ContentRequested", delivered[0].EventType)
}

func TestMemoryBusRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(bus.WithRetryBaseDelay(time.Millisecond))
	defer b.Close(ctx)

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	_, err := b.Subscribe("flaky", bus.Filter{}, func(context.Context, *domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, testEvents("agg-1", "content_generation", "ContentRequested")))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never recovered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestMemoryBusParksPoisonEvents(t *testing.T) {
	ctx := context.Background()
	sink := newMemorySink()
	b := bus.NewMemoryBus(
		bus.WithMaxRetries(2),
		bus.WithRetryBaseDelay(time.Millisecond),
		bus.WithDeadLetterStore(sink),
	)
	defer b.Close(ctx)

	var mu sync.Mutex
	attempts := 0
	_, err := b.Subscribe("poisoned", bus.Filter{}, func(context.Context, *domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("cannot decode")
	})
	require.NoError(t, err)

	events := testEvents("agg-1", "content_generation", "ContentRequested")
	require.NoError(t, b.Publish(ctx, events))

	select {
	case <-sink.parked:
	case <-time.After(5 * time.Second):
		t.Fatal("event was never parked")
	}

	letters, err := sink.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "poisoned", letters[0].SubscriberID)
	assert.Equal(t, events[0].ID, letters[0].Event.ID)
	assert.Equal(t, 3, letters[0].Attempts, "initial attempt plus two retries")
	assert.Contains(t, letters[0].LastError, "cannot decode")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestMemoryBusIndependentSubscribers(t *testing.T) {
	ctx := context.Background()
	sink := newMemorySink()
	b := bus.NewMemoryBus(
		bus.WithMaxRetries(0),
		bus.WithDeadLetterStore(sink),
	)
	defer b.Close(ctx)

	healthy := newCollector(2)
	_, err := b.Subscribe("healthy", bus.Filter{}, healthy.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("broken", bus.Filter{}, func(context.Context, *domain.Event) error {
		return errors.New("always fails")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, testEvents("agg-1", "content_generation",
		"ContentRequested", "ContentGenerated")))

	delivered := healthy.wait(t)
	assert.Len(t, delivered, 2, "a broken subscriber must not stall the others")
}

func TestMemoryBusSubscriberLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("DuplicateIdentifierRejected", func(t *testing.T) {
		b := bus.NewMemoryBus()
		defer b.Close(ctx)

		_, err := b.Subscribe("index", bus.Filter{}, func(context.Context, *domain.Event) error { return nil })
		require.NoError(t, err)
		_, err = b.Subscribe("index", bus.Filter{}, func(context.Context, *domain.Event) error { return nil })
		assert.Error(t, err)
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		b := bus.NewMemoryBus()
		defer b.Close(ctx)

		c := newCollector(1)
		sub, err := b.Subscribe("index", bus.Filter{}, c.handle)
		require.NoError(t, err)
		require.NoError(t, sub.Unsubscribe())

		require.NoError(t, b.Publish(ctx, testEvents("agg-1", "content_generation", "ContentRequested")))

		select {
		case <-c.seen:
			t.Fatal("unsubscribed handler still received an event")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("IdentifierGeneratedWhenEmpty", func(t *testing.T) {
		b := bus.NewMemoryBus()
		defer b.Close(ctx)

		sub, err := b.Subscribe("", bus.Filter{}, func(context.Context, *domain.Event) error { return nil })
		require.NoError(t, err)
		assert.NotEmpty(t, sub.ID())
	})
}

func TestMemoryBusClose(t *testing.T) {
	ctx := context.Background()

	t.Run("DrainsQueuedEvents", func(t *testing.T) {
		b := bus.NewMemoryBus()
		c := newCollector(3)
		_, err := b.Subscribe("index", bus.Filter{}, c.handle)
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, testEvents("agg-1", "content_generation",
			"ContentRequested", "ContentGenerated", "DetectionCompleted")))
		require.NoError(t, b.Close(ctx))

		assert.Len(t, c.wait(t), 3)
	})

	t.Run("PublishAfterCloseFails", func(t *testing.T) {
		b := bus.NewMemoryBus()
		require.NoError(t, b.Close(ctx))

		err := b.Publish(ctx, testEvents("agg-1", "content_generation", "ContentRequested"))
		assert.ErrorIs(t, err, domain.ErrBusUnavailable)

		_, err = b.Subscribe("late", bus.Filter{}, func(context.Context, *domain.Event) error { return nil })
		assert.ErrorIs(t, err, domain.ErrBusUnavailable)
	})

	t.Run("CloseTwiceIsSafe", func(t *testing.T) {
		b := bus.NewMemoryBus()
		require.NoError(t, b.Close(ctx))
		require.NoError(t, b.Close(ctx))
	})
}

func TestFilterMatches(t *testing.T) {
	event := &domain.Event{AggregateType: "content_generation", EventType: "ContentRequested"}

	tests := []struct {
		name   string
		filter bus.Filter
		want   bool
	}{
		{"Empty", bus.Filter{}, true},
		{"AggregateTypeMatch", bus.Filter{AggregateTypes: []string{"content_generation"}}, true},
		{"AggregateTypeMiss", bus.Filter{AggregateTypes: []string{"research_problem"}}, false},
		{"EventTypeMatch", bus.Filter{EventTypes: []string{"ContentRequested"}}, true},
		{"EventTypeMiss", bus.Filter{EventTypes: []string{"ContentGenerated"}}, false},
		{"BothMustMatch", bus.Filter{
			AggregateTypes: []string{"content_generation"},
			EventTypes:     []string{"ContentGenerated"},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(event))
		})
	}
}
