package contentgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cognifyhq/aidomain/pkg/bus"
	"github.com/cognifyhq/aidomain/pkg/domain"
)

// WorkerSubscriberID keys the worker's bus subscription, retry accounting
// and dead letters.
const WorkerSubscriberID = "content_generation_worker"

// Worker consumes ContentRequested events and runs the provider for each
// pending request, recording the outcome through the command service. It
// implements runner.Service.
type Worker struct {
	service  *Service
	eventBus bus.EventBus
	logger   *slog.Logger
	sub      bus.Subscription
}

// NewWorker creates the generation worker.
func NewWorker(service *Service, eventBus bus.EventBus, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{service: service, eventBus: eventBus, logger: logger}
}

// Name implements runner.Service.
func (w *Worker) Name() string { return WorkerSubscriberID }

// Start subscribes the worker to content requests.
func (w *Worker) Start(_ context.Context) error {
	sub, err := w.eventBus.Subscribe(
		WorkerSubscriberID,
		bus.Filter{EventTypes: []string{EventContentRequested}},
		w.handle,
	)
	if err != nil {
		return fmt.Errorf("subscribe worker: %w", err)
	}
	w.sub = sub
	return nil
}

// Stop detaches the worker from the bus.
func (w *Worker) Stop(_ context.Context) error {
	if w.sub == nil {
		return nil
	}
	return w.sub.Unsubscribe()
}

func (w *Worker) handle(ctx context.Context, event *domain.Event) error {
	var payload ContentRequestedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("decode %s: %w", event.EventType, err)
	}

	meta := domain.EventMetadata{
		CorrelationID: event.Metadata.CorrelationID,
		CausationID:   event.ID,
		ActorID:       WorkerSubscriberID,
	}

	err := w.service.ProcessRequest(ctx, event.AggregateID, payload.RequestID, meta)
	// a redelivered event finds the request already finished
	if errors.Is(err, ErrRequestFinished) {
		return nil
	}
	if err != nil {
		w.logger.Warn("processing content request failed",
			"aggregate_id", event.AggregateID, "request_id", payload.RequestID, "error", err)
	}
	return err
}
