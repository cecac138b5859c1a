// Package bus defines the event bus contract for delivering committed events
// to subscribers. Implementations guarantee at-least-once delivery and
// in-order delivery per aggregate; consumers must tolerate duplicates.
package bus

import (
	"context"

	"github.com/cognifyhq/aidomain/pkg/domain"
)

// Handler processes one delivered event. Returning an error triggers the
// implementation's retry policy.
type Handler func(ctx context.Context, event *domain.Event) error

// Filter selects which events a subscription receives. Empty slices match
// everything.
type Filter struct {
	AggregateTypes []string
	EventTypes     []string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(event *domain.Event) bool {
	if len(f.AggregateTypes) > 0 && !contains(f.AggregateTypes, event.AggregateType) {
		return false
	}
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, event.EventType) {
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Subscription is a live registration on the bus.
type Subscription interface {
	// ID returns the subscriber identifier the subscription was created with.
	ID() string

	// Unsubscribe detaches the handler. Events already queued for the
	// subscriber are still drained.
	Unsubscribe() error
}

// EventBus delivers committed events to subscribers.
type EventBus interface {
	// Publish hands a batch of committed events to the bus. Events of one
	// aggregate are delivered to each subscriber in version order.
	Publish(ctx context.Context, events []*domain.Event) error

	// Subscribe registers a handler under a stable subscriber identifier.
	// The identifier keys retry accounting and the dead-letter sink.
	Subscribe(subscriberID string, filter Filter, handler Handler) (Subscription, error)

	// Close drains in-flight deliveries and releases resources. The context
	// bounds the drain.
	Close(ctx context.Context) error
}
