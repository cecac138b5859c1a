// Package idgen generates the two identifier shapes used across the service:
// lexicographically sortable ULIDs for aggregates and the records inside them,
// and UUIDs for event envelopes.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSortableID returns a ULID. Sortable ids keep aggregate and request
// listings in creation order without an extra sort key.
func NewSortableID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewEventID returns a random UUID for an event envelope.
// Collision-free under concurrent calls.
func NewEventID() string {
	return uuid.NewString()
}
