package nats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognifyhq/aidomain/pkg/bus"
	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/idgen"
	"github.com/cognifyhq/aidomain/pkg/nats"
	"github.com/cognifyhq/aidomain/pkg/store"
)

func newBus(t *testing.T, opts ...nats.Option) *nats.Bus {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping embedded broker test in short mode")
	}

	srv, err := nats.StartEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	opts = append([]nats.Option{
		nats.WithURL(srv.URL()),
		nats.WithStreamRetention(time.Minute, 10<<20),
	}, opts...)

	b, err := nats.New(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

func brokerEvents(aggregateID string, startVersion int64, eventTypes ...string) []*domain.Event {
	events := make([]*domain.Event, len(eventTypes))
	for i, eventType := range eventTypes {
		events[i] = &domain.Event{
			ID:            idgen.NewEventID(),
			AggregateID:   aggregateID,
			AggregateType: "content_generation",
			EventType:     eventType,
			Version:       startVersion + int64(i),
			Position:      startVersion + int64(i),
			Timestamp:     time.Now(),
			Payload:       []byte(`{"schema_version":1}`),
			Metadata:      domain.EventMetadata{CorrelationID: "corr-1", ActorID: "tester"},
		}
	}
	return events
}

type eventCollector struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (c *eventCollector) handle(_ context.Context, event *domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *eventCollector) snapshot() []*domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*domain.Event(nil), c.events...)
}

func (c *eventCollector) waitFor(t *testing.T, n int) []*domain.Event {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if events := c.snapshot(); len(events) >= n {
			return events
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(c.snapshot()))
	return nil
}

type brokerSink struct {
	mu      sync.Mutex
	letters []*store.DeadLetter
}

func (s *brokerSink) Add(_ context.Context, subscriberID string, event *domain.Event, cause error, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, &store.DeadLetter{
		SubscriberID: subscriberID,
		Event:        event,
		LastError:    cause.Error(),
		Attempts:     attempts,
		ParkedAt:     time.Now(),
	})
	return nil
}

func (s *brokerSink) List(context.Context, string, int) ([]*store.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*store.DeadLetter(nil), s.letters...), nil
}

func (s *brokerSink) Remove(context.Context, int64) error { return nil }

func (s *brokerSink) waitFor(t *testing.T, n int) []*store.DeadLetter {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		count := len(s.letters)
		s.mu.Unlock()
		if count >= n {
			letters, _ := s.List(context.Background(), "", n)
			return letters
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d dead letters", n)
	return nil
}

func TestBrokerBusRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	c := &eventCollector{}
	_, err := b.Subscribe("round_trip_index", bus.Filter{}, c.handle)
	require.NoError(t, err)

	published := brokerEvents("agg-1", 1, "ContentRequested", "ContentGenerated")
	require.NoError(t, b.Publish(ctx, published))

	delivered := c.waitFor(t, 2)
	for i, event := range delivered {
		assert.Equal(t, published[i].ID, event.ID, "per-aggregate order must survive the broker")
		assert.Equal(t, published[i].Version, event.Version)
		assert.Equal(t, published[i].Position, event.Position)
		assert.Equal(t, "corr-1", event.Metadata.CorrelationID)
		assert.JSONEq(t, string(published[i].Payload), string(event.Payload))
		assert.WithinDuration(t, published[i].Timestamp, event.Timestamp, time.Millisecond)
	}
}

func TestBrokerBusDeduplicatesByEventID(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	c := &eventCollector{}
	_, err := b.Subscribe("dedup_index", bus.Filter{}, c.handle)
	require.NoError(t, err)

	events := brokerEvents("agg-1", 1, "ContentRequested")
	require.NoError(t, b.Publish(ctx, events))
	// a retried publish of the same committed batch
	require.NoError(t, b.Publish(ctx, events))
	marker := brokerEvents("agg-1", 2, "ContentGenerated")
	require.NoError(t, b.Publish(ctx, marker))

	delivered := c.waitFor(t, 2)
	require.Len(t, delivered, 2, "the broker must absorb the duplicate publish")
	assert.Equal(t, events[0].ID, delivered[0].ID)
	assert.Equal(t, marker[0].ID, delivered[1].ID)
}

func TestBrokerBusFiltering(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	c := &eventCollector{}
	// two event types force a wildcard subject plus the in-process re-check
	_, err := b.Subscribe("filter_index", bus.Filter{
		EventTypes: []string{"ContentRequested", "DetectionRecorded"},
	}, c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, brokerEvents("agg-1", 1,
		"ContentRequested", "ContentGenerated", "DetectionRecorded")))

	delivered := c.waitFor(t, 2)
	require.Len(t, delivered, 2)
	assert.Equal(t, "ContentRequested", delivered[0].EventType)
	assert.Equal(t, "DetectionRecorded", delivered[1].EventType)
}

func TestBrokerBusParksAfterMaxDeliver(t *testing.T) {
	ctx := context.Background()
	sink := &brokerSink{}
	b := newBus(t,
		nats.WithMaxDeliver(2),
		nats.WithAckWait(time.Second),
		nats.WithDeadLetterStore(sink),
	)

	var mu sync.Mutex
	attempts := 0
	_, err := b.Subscribe("poison_consumer", bus.Filter{}, func(context.Context, *domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("cannot apply")
	})
	require.NoError(t, err)

	events := brokerEvents("agg-1", 1, "ContentRequested")
	require.NoError(t, b.Publish(ctx, events))

	letters := sink.waitFor(t, 1)
	assert.Equal(t, "poison_consumer", letters[0].SubscriberID)
	assert.Equal(t, events[0].ID, letters[0].Event.ID)
	assert.Equal(t, 2, letters[0].Attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts, "the broker must stop redelivering after the cap")
}

func TestBrokerBusSubscriberRules(t *testing.T) {
	b := newBus(t)

	handler := func(context.Context, *domain.Event) error { return nil }

	_, err := b.Subscribe("", bus.Filter{}, handler)
	assert.Error(t, err, "durable consumers need a stable identifier")

	_, err = b.Subscribe("dup_consumer", bus.Filter{}, handler)
	require.NoError(t, err)
	_, err = b.Subscribe("dup_consumer", bus.Filter{}, handler)
	assert.Error(t, err)
}

func TestBrokerBusPublishAfterClose(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)
	require.NoError(t, b.Close(ctx))

	err := b.Publish(ctx, brokerEvents("agg-1", 1, "ContentRequested"))
	assert.ErrorIs(t, err, domain.ErrBusUnavailable)
}

func TestBrokerBusResumesDurableConsumer(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	c := &eventCollector{}
	sub, err := b.Subscribe("durable_index", bus.Filter{}, c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, brokerEvents("agg-1", 1, "ContentRequested")))
	c.waitFor(t, 1)
	require.NoError(t, sub.Unsubscribe())

	// events published while detached are delivered after resubscribing
	require.NoError(t, b.Publish(ctx, brokerEvents("agg-1", 2, "ContentGenerated")))
	_, err = b.Subscribe("durable_index", bus.Filter{}, c.handle)
	require.NoError(t, err)

	delivered := c.waitFor(t, 2)
	assert.Equal(t, "ContentGenerated", delivered[len(delivered)-1].EventType)
}
