package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an aggregate has no events and no snapshot.
	ErrNotFound = errors.New("aggregate not found")

	// ErrVersionConflict is returned when the optimistic concurrency check
	// failed. The caller should reload the aggregate and retry the command.
	ErrVersionConflict = errors.New("version conflict: aggregate version mismatch")

	// ErrSnapshotNotFound is returned when no snapshot exists for an aggregate.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrInvalidBatch is returned for event batches that are empty, mix
	// aggregate ids, or have non-contiguous versions. Programmer error,
	// fatal to the call.
	ErrInvalidBatch = errors.New("invalid event batch")

	// ErrStorage is returned for underlying persistence failures.
	// The caller may retry after backoff.
	ErrStorage = errors.New("storage failure")

	// ErrBusUnavailable is returned when a post-commit publish failed.
	// The command's durable effect is preserved; projector checkpoints
	// recover the missed delivery.
	ErrBusUnavailable = errors.New("event bus unavailable")

	// ErrPoisonMessage is returned when a handler permanently rejected an
	// event. The event is parked in the dead-letter sink.
	ErrPoisonMessage = errors.New("poison message")
)

// InvalidBatchError describes why an event batch was rejected.
type InvalidBatchError struct {
	Reason string
}

func (e *InvalidBatchError) Error() string {
	return fmt.Sprintf("invalid event batch: %s", e.Reason)
}

func (e *InvalidBatchError) Is(target error) bool {
	return target == ErrInvalidBatch
}

// NewInvalidBatchError creates an InvalidBatchError with the given reason.
func NewInvalidBatchError(format string, args ...any) error {
	return &InvalidBatchError{Reason: fmt.Sprintf(format, args...)}
}

// StorageError wraps an underlying persistence failure so callers can match
// it with errors.Is(err, ErrStorage) while keeping the cause inspectable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// NewStorageError wraps err as a storage failure for operation op.
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// PoisonMessageError records a handler's permanent rejection of an event.
type PoisonMessageError struct {
	SubscriberID string
	EventID      string
	Err          error
}

func (e *PoisonMessageError) Error() string {
	return fmt.Sprintf("subscriber %s permanently rejected event %s: %v",
		e.SubscriberID, e.EventID, e.Err)
}

func (e *PoisonMessageError) Unwrap() error { return e.Err }

func (e *PoisonMessageError) Is(target error) bool {
	return target == ErrPoisonMessage
}

// NewPoisonMessageError records subscriberID's permanent rejection of the
// event after exhausting its retries.
func NewPoisonMessageError(subscriberID, eventID string, err error) error {
	return &PoisonMessageError{SubscriberID: subscriberID, EventID: eventID, Err: err}
}
