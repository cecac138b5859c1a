package store

import (
	"context"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
)

// DeadLetter is a parked event a subscriber permanently rejected, kept with
// enough context for an operator to diagnose and replay it.
type DeadLetter struct {
	ID           int64
	SubscriberID string
	Event        *domain.Event
	LastError    string
	Attempts     int
	ParkedAt     time.Time
}

// DeadLetterStore is the durable sink for poison messages.
type DeadLetterStore interface {
	// Add parks an event for a subscriber with its final error.
	Add(ctx context.Context, subscriberID string, event *domain.Event, lastErr error, attempts int) error

	// List returns parked events for a subscriber, oldest first.
	// An empty subscriberID lists across all subscribers.
	List(ctx context.Context, subscriberID string, limit int) ([]*DeadLetter, error)

	// Remove deletes a parked event after an operator resolved it.
	Remove(ctx context.Context, id int64) error
}
