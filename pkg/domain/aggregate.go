package domain

import (
	"encoding/json"
	"fmt"

	"github.com/cognifyhq/aidomain/pkg/idgen"
)

// Aggregate defines the capability set every event-sourced aggregate exposes.
// Apply paths must be pure: they derive new state from current state and one
// event and never perform I/O.
type Aggregate interface {
	// ID returns the unique identifier of the aggregate.
	ID() string

	// Type returns the short type tag of the aggregate.
	Type() string

	// Version returns the number of committed events applied since creation
	// plus any uncommitted events raised on this instance.
	Version() int64

	// ApplyEvent applies a single event to the aggregate's state.
	// Called when rehydrating from history and when raising new events.
	ApplyEvent(event *Event) error

	// UncommittedEvents returns events raised but not yet persisted, in order.
	UncommittedEvents() []*Event

	// MarkCommitted clears the uncommitted events after they were persisted.
	MarkCommitted()

	// MarshalState serializes the aggregate's private state for snapshotting.
	MarshalState() ([]byte, error)

	// UnmarshalState restores the aggregate's private state from a snapshot blob.
	UnmarshalState(data []byte) error
}

// AggregateRoot provides the bookkeeping shared by all aggregates: identity,
// version tracking and the uncommitted event buffer. Embed it in concrete
// aggregate types.
type AggregateRoot struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []*Event
}

// NewAggregateRoot creates a new aggregate root with the given id and type tag.
func NewAggregateRoot(id, aggregateType string) AggregateRoot {
	return AggregateRoot{
		id:                id,
		aggregateType:     aggregateType,
		uncommittedEvents: make([]*Event, 0),
	}
}

// ID returns the aggregate's unique identifier.
func (a *AggregateRoot) ID() string { return a.id }

// Type returns the aggregate's type tag.
func (a *AggregateRoot) Type() string { return a.aggregateType }

// Version returns the aggregate's current version.
func (a *AggregateRoot) Version() int64 { return a.version }

// UncommittedEvents returns events that haven't been persisted yet.
func (a *AggregateRoot) UncommittedEvents() []*Event { return a.uncommittedEvents }

// MarkCommitted clears the uncommitted event buffer.
func (a *AggregateRoot) MarkCommitted() {
	a.uncommittedEvents = make([]*Event, 0)
}

// Raise builds the event envelope for a new state transition at version+1,
// appends it to the uncommitted buffer and bumps the version. The payload is
// serialized as JSON; payload types carry their own schema_version tag so the
// blob stays self-describing. The commit timestamp and global position are
// assigned later by the store.
func (a *AggregateRoot) Raise(eventType string, payload any, metadata EventMetadata) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	evt := &Event{
		ID:            idgen.NewEventID(),
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		EventType:     eventType,
		Version:       a.version + 1,
		Payload:       data,
		Metadata:      metadata,
	}

	a.uncommittedEvents = append(a.uncommittedEvents, evt)
	a.version++

	return evt, nil
}

// SetVersion force-sets the version. Used when seeding an aggregate from a
// snapshot; never call it from command handlers.
func (a *AggregateRoot) SetVersion(version int64) {
	a.version = version
}

// AdvanceVersion records that one committed historical event was applied.
// Out-of-order or duplicate history is ignored.
func (a *AggregateRoot) AdvanceVersion(eventVersion int64) {
	if eventVersion > a.version {
		a.version = eventVersion
	}
}
