package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
	"github.com/cognifyhq/aidomain/pkg/idgen"
	"github.com/cognifyhq/aidomain/pkg/store"
)

const defaultConflictRetries = 3

// Service is the command surface of the research problem aggregate.
type Service struct {
	repo            *store.Repository[*Aggregate]
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
func NewService(repo *store.Repository[*Aggregate], opts ...ServiceOption) *Service {
	s := &Service{
		repo:            repo,
		logger:          slog.Default(),
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateResearchProblem registers a new problem and returns its id.
func (s *Service) CreateResearchProblem(ctx context.Context, aggregateID, title, problemDomain, institution, description string, meta domain.EventMetadata) (string, error) {
	problemID := idgen.NewSortableID()

	err := s.update(ctx, aggregateID, func(a *Aggregate) error {
		return a.CreateResearchProblem(problemID, title, problemDomain, institution, description, meta)
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("research problem created",
		"aggregate_id", aggregateID, "problem_id", problemID, "title", title)
	return problemID, nil
}

// UpdateResearchProblem applies a partial update to a problem.
func (s *Service) UpdateResearchProblem(ctx context.Context, aggregateID, problemID string, update Update, meta domain.EventMetadata) error {
	return s.update(ctx, aggregateID, func(a *Aggregate) error {
		return a.UpdateResearchProblem(problemID, update, meta)
	})
}

// TransformToGameProblem turns an active problem into a game problem.
func (s *Service) TransformToGameProblem(ctx context.Context, aggregateID, problemID, gameFormat, difficultyCurve string, meta domain.EventMetadata) error {
	return s.update(ctx, aggregateID, func(a *Aggregate) error {
		return a.TransformToGameProblem(problemID, gameFormat, difficultyCurve, meta)
	})
}

// ArchiveResearchProblem soft-deletes a problem.
func (s *Service) ArchiveResearchProblem(ctx context.Context, aggregateID, problemID string, meta domain.EventMetadata) error {
	return s.update(ctx, aggregateID, func(a *Aggregate) error {
		return a.ArchiveResearchProblem(problemID, meta)
	})
}

// Get returns the current state of one problem.
func (s *Service) Get(ctx context.Context, aggregateID, problemID string) (Problem, error) {
	aggregate, err := s.repo.Load(ctx, aggregateID)
	if err != nil {
		return Problem{}, err
	}
	p, ok := aggregate.Problem(problemID)
	if !ok {
		return Problem{}, fmt.Errorf("%w: %s", ErrUnknownProblem, problemID)
	}
	return p, nil
}

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
