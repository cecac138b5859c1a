// Package nats implements the event bus on NATS JetStream. Events publish to
// events.<aggregate_type>.<event_type> subjects with the event id as the
// JetStream message id, so broker-side deduplication absorbs publish
// retries. Subscriptions are durable queue consumers with explicit acks;
// redelivery gives at-least-once semantics and per-subject ordering
// preserves per-aggregate order.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cognifyhq/aidomain/pkg/bus"
	"github.com/cognifyhq/aidomain/pkg/credentials"
	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/observability"
	"github.com/cognifyhq/aidomain/pkg/store"
)

const (
	defaultStreamName = "AIDOMAIN_EVENTS"
	defaultMaxAge     = 7 * 24 * time.Hour
	defaultMaxBytes   = 1 << 30
	defaultMaxDeliver = 6
	defaultAckWait    = 30 * time.Second
)

// Bus is the JetStream implementation of bus.EventBus.
type Bus struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	streamName string

	deadLetters store.DeadLetterStore
	logger      *slog.Logger
	metrics     *observability.Metrics
	maxDeliver  int
	ackWait     time.Duration

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

type busConfig struct {
	url            string
	streamName     string
	streamSubjects []string
	maxAge         time.Duration
	maxBytes       int64
	maxDeliver     int
	ackWait        time.Duration
	creds          credentials.Provider
	deadLetters    store.DeadLetterStore
	logger         *slog.Logger
	metrics        *observability.Metrics
}

// Option configures New.
type Option func(*busConfig)

// WithURL sets the broker URL. Default nats.DefaultURL.
func WithURL(url string) Option {
	return func(c *busConfig) {
		if url != "" {
			c.url = url
		}
	}
}

// WithStreamName names the JetStream stream. Default AIDOMAIN_EVENTS.
func WithStreamName(name string) Option {
	return func(c *busConfig) {
		if name != "" {
			c.streamName = name
		}
	}
}

// WithStreamRetention bounds the stream by age and size.
// Defaults: 7 days, 1 GiB.
func WithStreamRetention(maxAge time.Duration, maxBytes int64) Option {
	return func(c *busConfig) {
		if maxAge > 0 {
			c.maxAge = maxAge
		}
		if maxBytes > 0 {
			c.maxBytes = maxBytes
		}
	}
}

// WithMaxDeliver caps broker redeliveries per message. The final delivery is
// parked in the dead-letter sink when one is configured. Default 6.
func WithMaxDeliver(n int) Option {
	return func(c *busConfig) {
		if n > 0 {
			c.maxDeliver = n
		}
	}
}

// WithAckWait sets how long the broker waits for an ack before redelivering.
// Default 30s.
func WithAckWait(d time.Duration) Option {
	return func(c *busConfig) {
		if d > 0 {
			c.ackWait = d
		}
	}
}

// WithCredentials authenticates the connection from a credentials provider.
func WithCredentials(provider credentials.Provider) Option {
	return func(c *busConfig) { c.creds = provider }
}

// WithDeadLetterStore parks messages that exhausted their redeliveries.
func WithDeadLetterStore(dls store.DeadLetterStore) Option {
	return func(c *busConfig) { c.deadLetters = dls }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *busConfig) { c.logger = logger }
}

// WithMetrics enables delivery instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *busConfig) { c.metrics = m }
}

// New connects to the broker and ensures the event stream exists.
func New(ctx context.Context, opts ...Option) (*Bus, error) {
	config := busConfig{
		url:        nats.DefaultURL,
		streamName: defaultStreamName,
		maxAge:     defaultMaxAge,
		maxBytes:   defaultMaxBytes,
		maxDeliver: defaultMaxDeliver,
		ackWait:    defaultAckWait,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}
	if len(config.streamSubjects) == 0 {
		config.streamSubjects = []string{"events.>"}
	}

	connOpts, err := connectOptions(ctx, config.creds)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(config.url, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", domain.ErrBusUnavailable, config.url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	b := &Bus{
		nc:          nc,
		js:          js,
		streamName:  config.streamName,
		deadLetters: config.deadLetters,
		logger:      config.logger,
		metrics:     config.metrics,
		maxDeliver:  config.maxDeliver,
		ackWait:     config.ackWait,
		subs:        make(map[string]*nats.Subscription),
	}

	if err := b.ensureStream(config); err != nil {
		nc.Close()
		return nil, err
	}

	return b, nil
}

func connectOptions(ctx context.Context, provider credentials.Provider) ([]nats.Option, error) {
	if provider == nil {
		return nil, nil
	}

	creds, err := provider.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve broker credentials: %w", err)
	}

	switch creds.Type {
	case credentials.TypeToken:
		return []nats.Option{nats.Token(creds.Token)}, nil
	case credentials.TypeUserPassword:
		return []nats.Option{nats.UserInfo(creds.User, creds.Password)}, nil
	case credentials.TypeJWT:
		return []nats.Option{nats.UserJWTAndSeed(creds.JWT, creds.Seed)}, nil
	default:
		return nil, fmt.Errorf("unsupported credential type %q", creds.Type)
	}
}

// ensureStream creates the stream or reconciles its retention bounds.
// Interest retention drops messages once every durable consumer acked them.
func (b *Bus) ensureStream(config busConfig) error {
	streamConfig := &nats.StreamConfig{
		Name:      config.streamName,
		Subjects:  config.streamSubjects,
		Retention: nats.InterestPolicy,
		MaxAge:    config.maxAge,
		MaxBytes:  config.maxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	info, err := b.js.StreamInfo(config.streamName)
	if err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("create stream %s: %w", config.streamName, err)
		}
		return nil
	}

	if info.Config.MaxAge != config.maxAge || info.Config.MaxBytes != config.maxBytes {
		if _, err := b.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("update stream %s: %w", config.streamName, err)
		}
	}

	return nil
}

// wireEvent is the JSON envelope on the wire.
type wireEvent struct {
	ID            string               `json:"id"`
	AggregateID   string               `json:"aggregate_id"`
	AggregateType string               `json:"aggregate_type"`
	EventType     string               `json:"event_type"`
	Version       int64                `json:"version"`
	Position      int64                `json:"position"`
	Timestamp     int64                `json:"timestamp"`
	Payload       json.RawMessage      `json:"payload"`
	Metadata      domain.EventMetadata `json:"metadata"`
}

func encodeEvent(event *domain.Event) ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:            event.ID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.EventType,
		Version:       event.Version,
		Position:      event.Position,
		Timestamp:     event.Timestamp.UnixNano(),
		Payload:       event.Payload,
		Metadata:      event.Metadata,
	})
}

func decodeEvent(data []byte) (*domain.Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	return &domain.Event{
		ID:            wire.ID,
		AggregateID:   wire.AggregateID,
		AggregateType: wire.AggregateType,
		EventType:     wire.EventType,
		Version:       wire.Version,
		Position:      wire.Position,
		Timestamp:     time.Unix(0, wire.Timestamp),
		Payload:       wire.Payload,
		Metadata:      wire.Metadata,
	}, nil
}

// Publish publishes the events to JetStream. The event id doubles as the
// message id so a retried publish of a committed batch is deduplicated by
// the broker.
func (b *Bus) Publish(ctx context.Context, events []*domain.Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: bus closed", domain.ErrBusUnavailable)
	}

	for _, event := range events {
		data, err := encodeEvent(event)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", event.ID, err)
		}

		subject := fmt.Sprintf("events.%s.%s", event.AggregateType, event.EventType)
		_, err = b.js.Publish(subject, data, nats.MsgId(event.ID), nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("%w: publish event %s: %v", domain.ErrBusUnavailable, event.ID, err)
		}
	}

	b.metrics.ObservePublish(ctx, len(events))
	return nil
}

// Subscribe creates a durable queue consumer named after the subscriber.
// Handler failures nak for broker redelivery; the final allowed delivery is
// parked in the dead-letter sink and acked so the consumer advances.
func (b *Bus) Subscribe(subscriberID string, filter bus.Filter, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("%w: bus closed", domain.ErrBusUnavailable)
	}
	if subscriberID == "" {
		return nil, fmt.Errorf("subscriber id is required for durable consumers")
	}
	if _, exists := b.subs[subscriberID]; exists {
		return nil, fmt.Errorf("subscriber %q already registered", subscriberID)
	}

	sub, err := b.js.QueueSubscribe(
		subjectFor(filter),
		subscriberID,
		func(msg *nats.Msg) { b.dispatch(subscriberID, filter, handler, msg) },
		nats.Durable(durableName(subscriberID)),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.ackWait),
		nats.MaxDeliver(b.maxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subscriberID, err)
	}

	b.subs[subscriberID] = sub
	return &subscription{bus: b, sub: sub, id: subscriberID}, nil
}

func (b *Bus) dispatch(subscriberID string, filter bus.Filter, handler bus.Handler, msg *nats.Msg) {
	ctx := context.Background()

	event, err := decodeEvent(msg.Data)
	if err != nil {
		// an undecodable message never succeeds; park it as raw bytes
		b.logger.Error("dropping undecodable message",
			"subscriber", subscriberID, "subject", msg.Subject, "error", err)
		_ = msg.Term()
		return
	}

	// subject wildcards cannot express multi-valued filters; re-check here
	if !filter.Matches(event) {
		_ = msg.Ack()
		return
	}

	if err := handler(ctx, event); err != nil {
		meta, metaErr := msg.Metadata()
		lastDelivery := metaErr == nil && int(meta.NumDelivered) >= b.maxDeliver

		if lastDelivery {
			b.park(ctx, subscriberID, event, err, int(meta.NumDelivered))
			_ = msg.Ack()
			return
		}

		b.metrics.ObserveRetry(ctx, subscriberID)
		b.logger.Warn("event delivery failed, redelivering",
			"subscriber", subscriberID,
			"event_id", event.ID,
			"event_type", event.EventType,
			"error", err,
		)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()
}

func (b *Bus) park(ctx context.Context, subscriberID string, event *domain.Event, lastErr error, attempts int) {
	b.metrics.ObserveDeadLetter(ctx, subscriberID)

	if b.deadLetters == nil {
		b.logger.Error("dropping event after redeliveries, no dead-letter sink",
			"subscriber", subscriberID, "event_id", event.ID, "error", lastErr)
		return
	}

	if err := b.deadLetters.Add(ctx, subscriberID, event, lastErr, attempts); err != nil {
		b.logger.Error("failed to park event in dead-letter sink",
			"subscriber", subscriberID, "event_id", event.ID, "error", err)
		return
	}

	b.logger.Error("event parked in dead-letter sink",
		"subscriber", subscriberID,
		"event_id", event.ID,
		"event_type", event.EventType,
		"error", lastErr,
	)
}

// subjectFor maps a filter to the narrowest subject wildcard. Filters the
// subject space cannot express re-check in dispatch.
func subjectFor(filter bus.Filter) string {
	switch {
	case len(filter.AggregateTypes) == 1 && len(filter.EventTypes) == 1:
		return fmt.Sprintf("events.%s.%s", filter.AggregateTypes[0], filter.EventTypes[0])
	case len(filter.AggregateTypes) == 1:
		return fmt.Sprintf("events.%s.>", filter.AggregateTypes[0])
	default:
		return "events.>"
	}
}

func durableName(subscriberID string) string {
	// durable names cannot contain dots or spaces
	name := make([]byte, 0, len(subscriberID))
	for i := 0; i < len(subscriberID); i++ {
		c := subscriberID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			name = append(name, c)
		default:
			name = append(name, '_')
		}
	}
	return string(name)
}

// Close drains the subscriptions and closes the connection. The context
// bounds the drain.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*nats.Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			b.logger.Warn("drain subscription failed", "error", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- b.nc.Drain() }()

	select {
	case err := <-done:
		if err != nil {
			b.nc.Close()
			return fmt.Errorf("drain connection: %w", err)
		}
		return nil
	case <-ctx.Done():
		b.nc.Close()
		return fmt.Errorf("bus drain interrupted: %w", ctx.Err())
	}
}

// subscription implements bus.Subscription.
type subscription struct {
	bus *Bus
	sub *nats.Subscription
	id  string
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return s.sub.Drain()
}
