package bus

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/observability"
	"github.com/cognifyhq/aidomain/pkg/store"
)

const (
	defaultQueueSize  = 1024
	defaultMaxRetries = 5
	defaultRetryBase  = 50 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// MemoryBus is an in-process EventBus. Each subscriber gets a bounded queue
// drained by a single goroutine, so delivery order per subscriber follows
// publish order and per-aggregate ordering holds. A full queue blocks
// Publish, propagating backpressure to writers.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]*memorySubscriber
	closed      bool

	wg       sync.WaitGroup
	baseCtx  context.Context
	stopBase context.CancelFunc

	queueSize   int
	maxRetries  int
	retryBase   time.Duration
	deadLetters store.DeadLetterStore
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithQueueSize bounds each subscriber's queue. Default 1024.
func WithQueueSize(size int) MemoryOption {
	return func(b *MemoryBus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// WithMaxRetries sets how many times a failed delivery is retried before the
// event is parked. Default 5.
func WithMaxRetries(n int) MemoryOption {
	return func(b *MemoryBus) {
		if n >= 0 {
			b.maxRetries = n
		}
	}
}

// WithRetryBaseDelay sets the first retry delay. Subsequent retries back off
// exponentially with jitter. Default 50ms.
func WithRetryBaseDelay(d time.Duration) MemoryOption {
	return func(b *MemoryBus) {
		if d > 0 {
			b.retryBase = d
		}
	}
}

// WithDeadLetterStore parks events that exhausted their retries. Without a
// sink such events are dropped with an error log.
func WithDeadLetterStore(dls store.DeadLetterStore) MemoryOption {
	return func(b *MemoryBus) {
		b.deadLetters = dls
	}
}

// WithBusLogger sets the logger. Default slog.Default().
func WithBusLogger(logger *slog.Logger) MemoryOption {
	return func(b *MemoryBus) {
		b.logger = logger
	}
}

// WithBusMetrics enables delivery instrumentation.
func WithBusMetrics(m *observability.Metrics) MemoryOption {
	return func(b *MemoryBus) {
		b.metrics = m
	}
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	baseCtx, stop := context.WithCancel(context.Background())
	b := &MemoryBus{
		subscribers: make(map[string]*memorySubscriber),
		baseCtx:     baseCtx,
		stopBase:    stop,
		queueSize:   defaultQueueSize,
		maxRetries:  defaultMaxRetries,
		retryBase:   defaultRetryBase,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type memorySubscriber struct {
	id      string
	filter  Filter
	handler Handler
	queue   chan *domain.Event

	done     chan struct{}
	doneOnce sync.Once
	bus      *MemoryBus
}

func (s *memorySubscriber) ID() string { return s.id }

func (s *memorySubscriber) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

// Subscribe registers a handler. Subscriber identifiers must be unique; a
// second registration under the same identifier is rejected.
func (b *MemoryBus) Subscribe(subscriberID string, filter Filter, handler Handler) (Subscription, error) {
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("%w: bus closed", domain.ErrBusUnavailable)
	}
	if _, exists := b.subscribers[subscriberID]; exists {
		return nil, fmt.Errorf("subscriber %q already registered", subscriberID)
	}

	sub := &memorySubscriber{
		id:      subscriberID,
		filter:  filter,
		handler: handler,
		queue:   make(chan *domain.Event, b.queueSize),
		done:    make(chan struct{}),
		bus:     b,
	}
	b.subscribers[subscriberID] = sub

	b.wg.Add(1)
	go b.drain(sub)

	return sub, nil
}

// Publish enqueues the events for every matching subscriber. It blocks when
// a subscriber's queue is full and returns the context error if the caller
// gives up waiting.
func (b *MemoryBus) Publish(ctx context.Context, events []*domain.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("%w: bus closed", domain.ErrBusUnavailable)
	}
	subs := make([]*memorySubscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, event := range events {
		for _, sub := range subs {
			if !sub.filter.Matches(event) {
				continue
			}
			select {
			case sub.queue <- event:
			case <-sub.done:
			case <-ctx.Done():
				return fmt.Errorf("%w: publish interrupted: %v", domain.ErrBusUnavailable, ctx.Err())
			}
		}
	}

	b.metrics.ObservePublish(ctx, len(events))
	return nil
}

// Close stops accepting publishes and drains the subscriber queues. The
// context bounds the drain; queued events past the deadline are lost.
func (b *MemoryBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySubscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.doneOnce.Do(func() { close(sub.done) })
	}

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		b.stopBase()
		return nil
	case <-ctx.Done():
		b.stopBase()
		return fmt.Errorf("bus drain interrupted: %w", ctx.Err())
	}
}

func (b *MemoryBus) drain(sub *memorySubscriber) {
	defer b.wg.Done()

	for {
		select {
		case event := <-sub.queue:
			b.deliver(sub, event)
		case <-sub.done:
			for {
				select {
				case event := <-sub.queue:
					b.deliver(sub, event)
				default:
					return
				}
			}
		}
	}
}

// deliver runs the handler with bounded retries and parks the event on
// exhaustion. Delivery uses the bus lifetime context so an expired publish
// context cannot poison a later retry.
func (b *MemoryBus) deliver(sub *memorySubscriber, event *domain.Event) {
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			b.metrics.ObserveRetry(b.baseCtx, sub.id)
			if !b.sleep(retryDelay(b.retryBase, attempt)) {
				break
			}
		}
		if lastErr = sub.handler(b.baseCtx, event); lastErr == nil {
			return
		}
		b.logger.Warn("event delivery failed",
			"subscriber", sub.id,
			"event_id", event.ID,
			"event_type", event.EventType,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}

	b.park(sub, event, lastErr)
}

func (b *MemoryBus) park(sub *memorySubscriber, event *domain.Event, lastErr error) {
	b.metrics.ObserveDeadLetter(b.baseCtx, sub.id)

	if b.deadLetters == nil {
		b.logger.Error("dropping event after retries, no dead-letter sink",
			"subscriber", sub.id,
			"event_id", event.ID,
			"error", lastErr,
		)
		return
	}

	if err := b.deadLetters.Add(b.baseCtx, sub.id, event, lastErr, b.maxRetries+1); err != nil {
		b.logger.Error("failed to park event in dead-letter sink",
			"subscriber", sub.id,
			"event_id", event.ID,
			"error", err,
		)
		return
	}

	b.logger.Error("event parked in dead-letter sink",
		"subscriber", sub.id,
		"event_id", event.ID,
		"event_type", event.EventType,
		"error", lastErr,
	)
}

// sleep waits for d or until the bus lifetime context ends. Reports whether
// the full delay elapsed.
func (b *MemoryBus) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-b.baseCtx.Done():
		return false
	}
}

// retryDelay computes the jittered exponential backoff for the given attempt.
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// full jitter on the upper half keeps retries from synchronizing
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
