package projection

import (
	"context"
	"time"
)

// Status is the lifecycle phase of a running projector.
type Status string

const (
	// StatusBootstrapping means the projector is loading its checkpoint.
	StatusBootstrapping Status = "bootstrapping"

	// StatusCatchingUp means the projector is replaying the log from its
	// checkpoint toward the head.
	StatusCatchingUp Status = "catching_up"

	// StatusLive means the projector consumes events from the bus as they
	// are published.
	StatusLive Status = "live"

	// StatusDraining means the projector is finishing in-flight events
	// before stopping.
	StatusDraining Status = "draining"

	// StatusStopped means the projector shut down cleanly.
	StatusStopped Status = "stopped"

	// StatusHalted means the projector stopped on a poison event under the
	// halt policy and needs operator intervention.
	StatusHalted Status = "halted"
)

// State is a projector's reported operational state.
type State struct {
	ProjectionName string
	Status         Status
	Message        string
	UpdatedAt      time.Time
}

// StatusReporter persists projector states for operators. Implemented by the
// sqlite status store.
type StatusReporter interface {
	Save(ctx context.Context, state *State) error
}
