package projection

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cognifyhq/aidomain/pkg/bus"
	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/observability"
	"github.com/cognifyhq/aidomain/pkg/store"
)

const (
	defaultBatchSize  = 256
	defaultMaxRetries = 5
	defaultRetryBase  = 50 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// Projector drives one Projection. On Start it replays the log from the
// projection's checkpoint, then consumes live events from the bus. Events at
// or below the checkpoint are discarded, which makes redelivery across the
// catch-up/live seam harmless.
//
// Projector implements runner.Service.
type Projector struct {
	projection  Projection
	events      store.EventStore
	checkpoints store.CheckpointStore
	eventBus    bus.EventBus

	tx          store.TxRunner
	deadLetters store.DeadLetterStore
	status      StatusReporter
	logger      *slog.Logger
	metrics     *observability.Metrics

	policy     PoisonPolicy
	maxRetries int
	retryBase  time.Duration
	batchSize  int

	mu           sync.Mutex
	lastPosition int64
	halted       bool
	ready        chan struct{}
	sub          bus.Subscription
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

// WithTxRunner makes each Handle call and its checkpoint advance commit in
// one transaction. Requires the projection's tables to share the checkpoint
// database.
func WithTxRunner(tx store.TxRunner) ProjectorOption {
	return func(p *Projector) { p.tx = tx }
}

// WithDeadLetters sets the sink for events that exhaust their retries under
// the isolate policy.
func WithDeadLetters(dls store.DeadLetterStore) ProjectorOption {
	return func(p *Projector) { p.deadLetters = dls }
}

// WithStatusReporter publishes lifecycle transitions for operators.
func WithStatusReporter(reporter StatusReporter) ProjectorOption {
	return func(p *Projector) { p.status = reporter }
}

// WithPoisonPolicy selects the handling of events that keep failing.
// Default IsolatePoison.
func WithPoisonPolicy(policy PoisonPolicy) ProjectorOption {
	return func(p *Projector) { p.policy = policy }
}

// WithMaxRetries sets the retry budget per event. Default 5.
func WithMaxRetries(n int) ProjectorOption {
	return func(p *Projector) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryBaseDelay sets the first retry delay; later retries back off
// exponentially with jitter. Default 50ms.
func WithRetryBaseDelay(d time.Duration) ProjectorOption {
	return func(p *Projector) {
		if d > 0 {
			p.retryBase = d
		}
	}
}

// WithBatchSize sets the catch-up page size. Default 256.
func WithBatchSize(n int) ProjectorOption {
	return func(p *Projector) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithProjectorLogger sets the logger. Default slog.Default().
func WithProjectorLogger(logger *slog.Logger) ProjectorOption {
	return func(p *Projector) { p.logger = logger }
}

// WithProjectorMetrics enables instrumentation.
func WithProjectorMetrics(m *observability.Metrics) ProjectorOption {
	return func(p *Projector) { p.metrics = m }
}

// NewProjector binds a projection to the event store, the checkpoint store
// and the bus.
func NewProjector(projection Projection, events store.EventStore, checkpoints store.CheckpointStore, eventBus bus.EventBus, opts ...ProjectorOption) *Projector {
	p := &Projector{
		projection:  projection,
		events:      events,
		checkpoints: checkpoints,
		eventBus:    eventBus,
		logger:      slog.Default(),
		maxRetries:  defaultMaxRetries,
		retryBase:   defaultRetryBase,
		batchSize:   defaultBatchSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements runner.Service.
func (p *Projector) Name() string {
	return "projector/" + p.projection.Name()
}

// Start loads the checkpoint, subscribes to the bus, then replays the log up
// to the head. Subscribing before the replay closes the gap between the two
// sources; duplicates across the seam are discarded by position.
func (p *Projector) Start(ctx context.Context) error {
	name := p.projection.Name()
	p.report(ctx, StatusBootstrapping, "")

	checkpoint, err := p.checkpoints.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load checkpoint of %s: %w", name, err)
	}
	p.mu.Lock()
	p.lastPosition = checkpoint.Position
	p.halted = false
	p.ready = make(chan struct{})
	p.mu.Unlock()

	sub, err := p.eventBus.Subscribe(name, bus.Filter{EventTypes: p.projection.EventTypes()}, p.handleLive)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	p.sub = sub

	p.report(ctx, StatusCatchingUp, "")
	if err := p.catchUp(ctx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("catch up %s: %w", name, err)
	}

	close(p.ready)
	p.report(ctx, StatusLive, "")
	p.logger.Info("projection live", "projection", name, "position", p.position())
	return nil
}

// Stop detaches from the bus and waits for the in-flight event.
func (p *Projector) Stop(ctx context.Context) error {
	p.report(ctx, StatusDraining, "")
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}

	// the in-flight handler holds the mutex; taking it means delivery ended
	p.mu.Lock()
	halted := p.halted
	p.mu.Unlock()

	if !halted {
		p.report(ctx, StatusStopped, "")
	}
	return nil
}

// Rebuild drops the projection's derived state and its checkpoint so the next
// Start replays the log from the beginning. Call while the projector is
// stopped.
func (p *Projector) Rebuild(ctx context.Context) error {
	name := p.projection.Name()
	if err := p.projection.Reset(ctx); err != nil {
		return fmt.Errorf("reset %s: %w", name, err)
	}
	if err := p.checkpoints.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete checkpoint of %s: %w", name, err)
	}

	p.mu.Lock()
	p.lastPosition = 0
	p.mu.Unlock()
	return nil
}

// catchUp pages through the log from the checkpoint until it reaches the
// head. Filtered-out events still advance the checkpoint so restarts do not
// rescan them.
func (p *Projector) catchUp(ctx context.Context) error {
	filter := bus.Filter{EventTypes: p.projection.EventTypes()}

	for {
		batch, err := p.events.LoadAllEvents(ctx, p.position(), p.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			p.recordLag(ctx)
			return nil
		}

		for _, event := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !filter.Matches(event) {
				p.setPosition(event.Position)
				continue
			}
			if err := p.process(ctx, event); err != nil {
				return err
			}
		}

		// persist the tail so skipped events are not rescanned on restart
		tail := batch[len(batch)-1]
		if err := p.saveCheckpoint(ctx, tail); err != nil {
			return err
		}
		p.recordLag(ctx)
	}
}

// handleLive is the bus handler. Deliveries queue in the bus until catch-up
// completes; once live, events at or below the checkpoint are discarded.
// Retries and poison handling are managed here, so it reports success to the
// bus in every case except a concurrent halt.
func (p *Projector) handleLive(ctx context.Context, event *domain.Event) error {
	p.mu.Lock()
	ready := p.ready
	p.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	if p.halted {
		p.mu.Unlock()
		return fmt.Errorf("%w: projection %s halted", domain.ErrPoisonMessage, p.projection.Name())
	}
	if event.Position <= p.lastPosition {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.process(ctx, event)
}

// process applies one event with the retry budget, then applies the poison
// policy on exhaustion.
func (p *Projector) process(ctx context.Context, event *domain.Event) error {
	name := p.projection.Name()

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if !sleepFor(ctx, retryDelay(p.retryBase, attempt)) {
				return ctx.Err()
			}
		}

		lastErr = p.applyOnce(ctx, event)
		p.metrics.ObserveProjection(ctx, name, lastErr)
		if lastErr == nil {
			p.setPosition(event.Position)
			return nil
		}

		p.logger.Warn("projection handler failed",
			"projection", name,
			"event_id", event.ID,
			"event_type", event.EventType,
			"position", event.Position,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}

	if p.policy == HaltOnPoison {
		p.mu.Lock()
		p.halted = true
		p.mu.Unlock()
		if p.sub != nil {
			_ = p.sub.Unsubscribe()
		}
		p.report(ctx, StatusHalted, fmt.Sprintf("event %s: %v", event.ID, lastErr))
		p.logger.Error("projection halted on poison event",
			"projection", name, "event_id", event.ID, "error", lastErr)
		return domain.NewPoisonMessageError(name, event.ID, lastErr)
	}

	// isolate: park the event and advance past it
	if p.deadLetters != nil {
		if err := p.deadLetters.Add(ctx, name, event, lastErr, p.maxRetries+1); err != nil {
			return fmt.Errorf("park poison event %s: %w", event.ID, err)
		}
	} else {
		p.logger.Error("skipping poison event, no dead-letter sink",
			"projection", name, "event_id", event.ID, "error", lastErr)
	}
	p.metrics.ObserveDeadLetter(ctx, name)

	if err := p.saveCheckpoint(ctx, event); err != nil {
		return err
	}
	p.setPosition(event.Position)
	return nil
}

// applyOnce runs Handle and the checkpoint advance, in one transaction when a
// runner is configured.
func (p *Projector) applyOnce(ctx context.Context, event *domain.Event) error {
	fn := func(ctx context.Context) error {
		if err := p.projection.Handle(ctx, event); err != nil {
			return err
		}
		return p.saveCheckpoint(ctx, event)
	}
	if p.tx != nil {
		return p.tx.WithinTx(ctx, fn)
	}
	return fn(ctx)
}

func (p *Projector) saveCheckpoint(ctx context.Context, event *domain.Event) error {
	return p.checkpoints.Save(ctx, &store.ProjectionCheckpoint{
		ProjectionName: p.projection.Name(),
		Position:       event.Position,
		LastEventID:    event.ID,
		UpdatedAt:      domain.Now(),
	})
}

func (p *Projector) position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPosition
}

func (p *Projector) setPosition(position int64) {
	p.mu.Lock()
	if position > p.lastPosition {
		p.lastPosition = position
	}
	p.mu.Unlock()
}

func (p *Projector) recordLag(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	head, err := p.events.HeadPosition(ctx)
	if err != nil {
		return
	}
	lag := head - p.position()
	if lag < 0 {
		lag = 0
	}
	p.metrics.RecordLag(ctx, p.projection.Name(), lag)
}

func (p *Projector) report(ctx context.Context, status Status, message string) {
	if p.status == nil {
		return
	}
	err := p.status.Save(ctx, &State{
		ProjectionName: p.projection.Name(),
		Status:         status,
		Message:        message,
		UpdatedAt:      domain.Now(),
	})
	if err != nil {
		p.logger.Warn("failed to report projection status",
			"projection", p.projection.Name(), "status", status, "error", err)
	}
}

func sleepFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
