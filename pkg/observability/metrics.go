package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cognifyhq/aidomain/pkg/domain"
)

// Metrics holds the instruments for the event store, the bus and the
// projectors. A nil *Metrics is safe to call; all observations become no-ops.
type Metrics struct {
	EventsAppended   metric.Int64Counter
	VersionConflicts metric.Int64Counter
	AppendLatency    metric.Float64Histogram

	SnapshotHits   metric.Int64Counter
	SnapshotMisses metric.Int64Counter

	EventsPublished metric.Int64Counter
	DeliveryRetries metric.Int64Counter
	DeadLetters     metric.Int64Counter

	ProjectionEvents metric.Int64Counter
	ProjectionErrors metric.Int64Counter
	ProjectionLag    metric.Int64Gauge
}

// NewMetrics creates all instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsAppended, err = meter.Int64Counter(
		"aidomain.events.appended",
		metric.WithDescription("Events committed to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.VersionConflicts, err = meter.Int64Counter(
		"aidomain.events.version_conflicts",
		metric.WithDescription("Appends rejected by the optimistic concurrency check"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.version_conflicts: %w", err)
	}

	m.AppendLatency, err = meter.Float64Histogram(
		"aidomain.events.append_latency",
		metric.WithDescription("Append transaction latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.append_latency: %w", err)
	}

	m.SnapshotHits, err = meter.Int64Counter(
		"aidomain.snapshots.hits",
		metric.WithDescription("Aggregate loads seeded from a snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshots.hits: %w", err)
	}

	m.SnapshotMisses, err = meter.Int64Counter(
		"aidomain.snapshots.misses",
		metric.WithDescription("Aggregate loads rehydrated by full replay"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshots.misses: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"aidomain.bus.published",
		metric.WithDescription("Events handed to the bus after commit"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating bus.published: %w", err)
	}

	m.DeliveryRetries, err = meter.Int64Counter(
		"aidomain.bus.retries",
		metric.WithDescription("Handler deliveries retried after transient failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating bus.retries: %w", err)
	}

	m.DeadLetters, err = meter.Int64Counter(
		"aidomain.bus.dead_letters",
		metric.WithDescription("Events parked in the dead-letter sink"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating bus.dead_letters: %w", err)
	}

	m.ProjectionEvents, err = meter.Int64Counter(
		"aidomain.projection.events",
		metric.WithDescription("Events applied by projections"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.events: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"aidomain.projection.errors",
		metric.WithDescription("Projection handler failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	m.ProjectionLag, err = meter.Int64Gauge(
		"aidomain.projection.lag",
		metric.WithDescription("Global positions between the log head and the projection checkpoint"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.lag: %w", err)
	}

	return m, nil
}

// ObserveAppend records the outcome of one append transaction.
func (m *Metrics) ObserveAppend(ctx context.Context, aggregateType string, events int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("aggregate_type", aggregateType))
	if err == nil {
		m.EventsAppended.Add(ctx, int64(events), attrs)
	} else if errors.Is(err, domain.ErrVersionConflict) {
		m.VersionConflicts.Add(ctx, 1, attrs)
	}
	m.AppendLatency.Record(ctx, elapsed.Seconds(), attrs)
}

// ObserveSnapshotLoad records whether an aggregate load was seeded from a
// snapshot.
func (m *Metrics) ObserveSnapshotLoad(ctx context.Context, aggregateType string, hit bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("aggregate_type", aggregateType))
	if hit {
		m.SnapshotHits.Add(ctx, 1, attrs)
	} else {
		m.SnapshotMisses.Add(ctx, 1, attrs)
	}
}

// ObservePublish records a committed batch handed to the bus.
func (m *Metrics) ObservePublish(ctx context.Context, events int) {
	if m == nil {
		return
	}
	m.EventsPublished.Add(ctx, int64(events))
}

// ObserveRetry records one delivery retry for a subscriber.
func (m *Metrics) ObserveRetry(ctx context.Context, subscriberID string) {
	if m == nil {
		return
	}
	m.DeliveryRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriberID)))
}

// ObserveDeadLetter records an event parked for a subscriber.
func (m *Metrics) ObserveDeadLetter(ctx context.Context, subscriberID string) {
	if m == nil {
		return
	}
	m.DeadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriberID)))
}

// ObserveProjection records one event applied (or failed) by a projection.
func (m *Metrics) ObserveProjection(ctx context.Context, name string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("projection", name))
	if err != nil {
		m.ProjectionErrors.Add(ctx, 1, attrs)
		return
	}
	m.ProjectionEvents.Add(ctx, 1, attrs)
}

// RecordLag records how far a projection's checkpoint trails the log head.
func (m *Metrics) RecordLag(ctx context.Context, name string, lag int64) {
	if m == nil {
		return
	}
	m.ProjectionLag.Record(ctx, lag, metric.WithAttributes(attribute.String("projection", name)))
}
