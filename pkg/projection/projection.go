// Package projection runs read-model projections against the event log.
// A Projector replays the log from the projection's checkpoint, then tails
// the bus live. Handlers must be idempotent; delivery is at least once.
package projection

import (
	"context"

	"github.com/cognifyhq/aidomain/pkg/domain"
)

// Projection transforms events into a read model.
type Projection interface {
	// Name is the stable identifier used for the checkpoint, the status row
	// and the dead-letter sink.
	Name() string

	// EventTypes lists the event types the projection consumes. An empty
	// slice subscribes to everything.
	EventTypes() []string

	// Handle applies one event. It is called in log order per aggregate and
	// must be idempotent under redelivery. A transaction carried in ctx, when
	// present, also covers the checkpoint advance.
	Handle(ctx context.Context, event *domain.Event) error

	// Reset drops the projection's derived state ahead of a rebuild.
	Reset(ctx context.Context) error
}

// PoisonPolicy decides what happens when an event exhausts its retries.
type PoisonPolicy int

const (
	// IsolatePoison parks the event in the dead-letter sink and moves on.
	// The default; one bad event cannot stall the projection.
	IsolatePoison PoisonPolicy = iota

	// HaltOnPoison stops the projector on the failing event. For projections
	// where skipping an event would corrupt derived state.
	HaltOnPoison
)
