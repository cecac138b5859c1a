package domain

import (
	"time"
)

// Event represents a single state transition that has occurred to one
// aggregate. Events are immutable once committed.
type Event struct {
	// ID is the globally unique identifier of this event, assigned at creation.
	ID string

	// AggregateID identifies the owning aggregate. Stable across its lifetime.
	AggregateID string

	// AggregateType is the short tag naming the aggregate class
	// (e.g. "content_generation", "research_problem").
	AggregateType string

	// EventType is the short tag naming the kind of transition
	// (e.g. "ContentRequested", "ProblemCreated").
	EventType string

	// Version is the dense 1-based sequence number of this event within its
	// aggregate's stream: the n-th event of an aggregate has Version == n.
	Version int64

	// Timestamp is the server-assigned commit time. Zero until the event has
	// been committed; the store assigns it inside the append transaction.
	Timestamp time.Time

	// Position is the global append order across all aggregates. Assigned by
	// the store on commit; zero for uncommitted events.
	Position int64

	// Payload is the opaque, schema-versioned serialized body of the event.
	// The store never inspects it; only the aggregate's apply path does.
	Payload []byte

	// Metadata carries cross-cutting context for the event.
	Metadata EventMetadata
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CorrelationID traces related events across aggregates.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CausationID is the ID of the command or event that caused this event.
	CausationID string `json:"causation_id,omitempty"`

	// ActorID identifies the principal (user, service, system) behind the change.
	ActorID string `json:"actor_id,omitempty"`

	// Custom allows for application-specific metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// TimeFunc is the clock used when stamping events and snapshots.
// Override in tests for deterministic timestamps.
var TimeFunc = time.Now

// Now returns the current time using the configured TimeFunc.
func Now() time.Time {
	return TimeFunc()
}
