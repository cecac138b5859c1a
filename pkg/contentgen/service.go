package contentgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/idgen"
	"github.com/cognifyhq/aidomain/pkg/provider"
	"github.com/cognifyhq/aidomain/pkg/store"
)

const defaultConflictRetries = 3

// Service is the command surface of the content generation aggregate. It
// loads the aggregate, applies one command and saves, retrying on optimistic
// conflicts. Provider calls run outside storage transactions; their results
// land through follow-up commands.
type Service struct {
	repo            *store.Repository[*Aggregate]
	provider        provider.ContentProvider
	logger          *slog.Logger
	conflictRetries int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithConflictRetries sets the retry budget for optimistic conflicts.
// Default 3.
func WithConflictRetries(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.conflictRetries = n
		}
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates the command service.
func NewService(repo *store.Repository[*Aggregate], contentProvider provider.ContentProvider, opts ...ServiceOption) *Service {
	s := &Service{
		repo:            repo,
		provider:        contentProvider,
		logger:          slog.Default(),
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestContentGeneration registers a new request on the aggregate and
// returns its id. The id is a ULID so request ids sort by creation time.
func (s *Service) RequestContentGeneration(ctx context.Context, aggregateID, topic, difficulty string, kind Kind, meta domain.EventMetadata) (string, error) {
	requestID := idgen.NewSortableID()

	err := s.update(ctx, aggregateID, func(a *Aggregate) error {
		return a.RequestContentGeneration(requestID, topic, difficulty, kind, meta)
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("content generation requested",
		"aggregate_id", aggregateID, "request_id", requestID, "topic", topic, "kind", kind)
	return requestID, nil
}

// RecordGeneratedContent records the produced content for a pending request.
func (s *Service) RecordGeneratedContent(ctx context.Context, aggregateID, requestID, text, imageURI string, meta domain.EventMetadata) error {
	return s.update(ctx, aggregateID, func(a *Aggregate) error {
		return a.RecordGeneratedContent(requestID, text, imageURI, meta)
	})
}

// FailContentGeneration records a terminal generation failure.
func (s *Service) FailContentGeneration(ctx context.Context, aggregateID, requestID, reason string, meta domain.EventMetadata) error {
	return s.update(ctx, aggregateID, func(a *Aggregate) error {
		return a.FailContentGeneration(requestID, reason, meta)
	})
}

// RecordDetection records a detection verdict for generated content.
func (s *Service) RecordDetection(ctx context.Context, aggregateID, requestID string, verdict provider.Verdict, meta domain.EventMetadata) error {
	return s.update(ctx, aggregateID, func(a *Aggregate) error {
		return a.RecordDetection(requestID, verdict.IsAIGenerated, verdict.Confidence, verdict.Explanation, meta)
	})
}

// ProcessRequest runs the provider for a pending request and records the
// outcome. The provider call happens outside any transaction; a crash
// between the call and the record leaves the request pending for a retry.
func (s *Service) ProcessRequest(ctx context.Context, aggregateID, requestID string, meta domain.EventMetadata) error {
	aggregate, err := s.repo.Load(ctx, aggregateID)
	if err != nil {
		return err
	}
	req, ok := aggregate.Request(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrRequestFinished, requestID, req.Status)
	}

	var text, imageURI string
	switch req.Kind {
	case KindText:
		text, err = s.provider.GenerateText(ctx, req.Topic, req.Difficulty)
	case KindImage:
		imageURI, err = s.provider.GenerateImage(ctx, req.Topic)
	default:
		return fmt.Errorf("unknown content kind %q", req.Kind)
	}

	if err != nil {
		s.logger.Warn("content generation failed",
			"aggregate_id", aggregateID, "request_id", requestID, "error", err)
		return s.FailContentGeneration(ctx, aggregateID, requestID, err.Error(), meta)
	}

	return s.RecordGeneratedContent(ctx, aggregateID, requestID, text, imageURI, meta)
}

// RunDetection runs the detector over a completed text request and records
// the verdict.
func (s *Service) RunDetection(ctx context.Context, aggregateID, requestID string, meta domain.EventMetadata) (*provider.Verdict, error) {
	aggregate, err := s.repo.Load(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	req, ok := aggregate.Request(requestID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if req.Status != StatusCompleted || req.Text == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotGenerated, requestID)
	}

	verdict, err := s.provider.Detect(ctx, req.Text)
	if err != nil {
		return nil, fmt.Errorf("detect content of request %s: %w", requestID, err)
	}

	if err := s.RecordDetection(ctx, aggregateID, requestID, *verdict, meta); err != nil {
		return nil, err
	}
	return verdict, nil
}

// Get returns the current state of one request.
func (s *Service) Get(ctx context.Context, aggregateID, requestID string) (Request, error) {
	aggregate, err := s.repo.Load(ctx, aggregateID)
	if err != nil {
		return Request{}, err
	}
	req, ok := aggregate.Request(requestID)
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return req, nil
}

// update applies one command against a freshly loaded aggregate and saves,
// retrying on version conflicts. Aggregates come into existence on their
// first command, so a missing aggregate loads as empty.
func (s *Service) update(ctx context.Context, aggregateID string, command func(*Aggregate) error) error {
	var err error
	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		var aggregate *Aggregate
		aggregate, err = s.repo.LoadOrNew(ctx, aggregateID)
		if err != nil {
			return err
		}

		if err = command(aggregate); err != nil {
			return err
		}

		err = s.repo.Save(ctx, aggregate)
		if err == nil || !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		if attempt == s.conflictRetries {
			break
		}

		backoff := time.Duration(10*(1<<uint(attempt))) * time.Millisecond
		backoff += time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
