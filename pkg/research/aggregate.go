// Package research holds the research problem aggregate: curated real-world
// research problems and their transformation into game problems. One
// aggregate instance scopes the problems of one institution catalog.
package research

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cognifyhq/aidomain/pkg/domain"
)

// AggregateType is the aggregate's type tag in the event log.
const AggregateType = "research_problem"

var (
	// ErrUnknownProblem is returned for a problem id the aggregate never saw.
	ErrUnknownProblem = errors.New("unknown research problem")

	// ErrProblemArchived is returned when a command targets an archived
	// problem.
	ErrProblemArchived = errors.New("research problem archived")

	// ErrDuplicateProblem is returned when a problem id is reused.
	ErrDuplicateProblem = errors.New("duplicate research problem")

	// ErrAlreadyTransformed is returned when a problem already has a game
	// transformation.
	ErrAlreadyTransformed = errors.New("research problem already transformed")
)

// ProblemStatus is the lifecycle state of one research problem.
type ProblemStatus string

const (
	StatusActive      ProblemStatus = "active"
	StatusTransformed ProblemStatus = "transformed"
	StatusArchived    ProblemStatus = "archived"
)

// Transformation is a problem's game transformation.
type Transformation struct {
	GameFormat      string    `json:"game_format"`
	DifficultyCurve string    `json:"difficulty_curve"`
	TransformedAt   time.Time `json:"transformed_at"`
}

// Problem is the state of one research problem inside the aggregate.
type Problem struct {
	ProblemID      string          `json:"problem_id"`
	Title          string          `json:"title"`
	Domain         string          `json:"domain"`
	Institution    string          `json:"institution"`
	Description    string          `json:"description"`
	Status         ProblemStatus   `json:"status"`
	Transformation *Transformation `json:"transformation,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Aggregate is the research problem aggregate.
type Aggregate struct {
	domain.AggregateRoot
	problems map[string]*Problem
}

// New creates an empty aggregate for the given id.
func New(id string) *Aggregate {
	return &Aggregate{
		AggregateRoot: domain.NewAggregateRoot(id, AggregateType),
		problems:      make(map[string]*Problem),
	}
}

// Problem returns a copy of one problem's state.
func (a *Aggregate) Problem(problemID string) (Problem, bool) {
	p, ok := a.problems[problemID]
	if !ok {
		return Problem{}, false
	}
	return *p, true
}

// ProblemCount returns the number of problems the aggregate tracks,
// archived ones included.
func (a *Aggregate) ProblemCount() int { return len(a.problems) }

// CreateResearchProblem raises ProblemCreated for a fresh problem id.
func (a *Aggregate) CreateResearchProblem(problemID, title, problemDomain, institution, description string, meta domain.EventMetadata) error {
	if problemID == "" {
		return fmt.Errorf("problem id is required")
	}
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if _, exists := a.problems[problemID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProblem, problemID)
	}

	return a.raise(EventProblemCreated, ProblemCreatedPayload{
		SchemaVersion: payloadSchemaVersion,
		ProblemID:     problemID,
		Title:         title,
		Domain:        problemDomain,
		Institution:   institution,
		Description:   description,
		CreatedBy:     meta.ActorID,
		CreatedAt:     domain.Now(),
	}, meta)
}

// Update is the set of changeable problem fields. Nil means keep.
type Update struct {
	Title       *string
	Domain      *string
	Institution *string
	Description *string
}

func (u Update) empty() bool {
	return u.Title == nil && u.Domain == nil && u.Institution == nil && u.Description == nil
}

// UpdateResearchProblem raises ProblemUpdated with the changed fields.
func (a *Aggregate) UpdateResearchProblem(problemID string, update Update, meta domain.EventMetadata) error {
	p, ok := a.problems[problemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProblem, problemID)
	}
	if p.Status == StatusArchived {
		return fmt.Errorf("%w: %s", ErrProblemArchived, problemID)
	}
	if update.empty() {
		return fmt.Errorf("update for problem %s changes nothing", problemID)
	}
	if update.Title != nil && *update.Title == "" {
		return fmt.Errorf("title cannot be blanked for problem %s", problemID)
	}

	return a.raise(EventProblemUpdated, ProblemUpdatedPayload{
		SchemaVersion: payloadSchemaVersion,
		ProblemID:     problemID,
		Title:         update.Title,
		Domain:        update.Domain,
		Institution:   update.Institution,
		Description:   update.Description,
	}, meta)
}

// TransformToGameProblem raises ProblemTransformedToGame for an active
// problem.
func (a *Aggregate) TransformToGameProblem(problemID, gameFormat, difficultyCurve string, meta domain.EventMetadata) error {
	p, ok := a.problems[problemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProblem, problemID)
	}
	if p.Status == StatusArchived {
		return fmt.Errorf("%w: %s", ErrProblemArchived, problemID)
	}
	if p.Transformation != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyTransformed, problemID)
	}
	if gameFormat == "" {
		return fmt.Errorf("game format is required")
	}

	return a.raise(EventProblemTransformedToGame, ProblemTransformedToGamePayload{
		SchemaVersion:   payloadSchemaVersion,
		ProblemID:       problemID,
		GameFormat:      gameFormat,
		DifficultyCurve: difficultyCurve,
		TransformedAt:   domain.Now(),
	}, meta)
}

// ArchiveResearchProblem raises ProblemArchived. A soft delete; history
// stays in the log and replays identically.
func (a *Aggregate) ArchiveResearchProblem(problemID string, meta domain.EventMetadata) error {
	p, ok := a.problems[problemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProblem, problemID)
	}
	if p.Status == StatusArchived {
		return fmt.Errorf("%w: %s", ErrProblemArchived, problemID)
	}

	return a.raise(EventProblemArchived, ProblemArchivedPayload{
		SchemaVersion: payloadSchemaVersion,
		ProblemID:     problemID,
		ArchivedAt:    domain.Now(),
	}, meta)
}

func (a *Aggregate) raise(eventType string, payload any, meta domain.EventMetadata) error {
	evt, err := a.Raise(eventType, payload, meta)
	if err != nil {
		return err
	}
	return a.ApplyEvent(evt)
}

// ApplyEvent mutates state from one event. Pure; never performs I/O.
func (a *Aggregate) ApplyEvent(event *domain.Event) error {
	switch event.EventType {
	case EventProblemCreated:
		var p ProblemCreatedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.problems[p.ProblemID] = &Problem{
			ProblemID:   p.ProblemID,
			Title:       p.Title,
			Domain:      p.Domain,
			Institution: p.Institution,
			Description: p.Description,
			Status:      StatusActive,
			CreatedBy:   p.CreatedBy,
			CreatedAt:   p.CreatedAt,
		}

	case EventProblemUpdated:
		var payload ProblemUpdatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		p, ok := a.problems[payload.ProblemID]
		if !ok {
			return fmt.Errorf("%w: %s in event %s", ErrUnknownProblem, payload.ProblemID, event.ID)
		}
		if payload.Title != nil {
			p.Title = *payload.Title
		}
		if payload.Domain != nil {
			p.Domain = *payload.Domain
		}
		if payload.Institution != nil {
			p.Institution = *payload.Institution
		}
		if payload.Description != nil {
			p.Description = *payload.Description
		}

	case EventProblemTransformedToGame:
		var payload ProblemTransformedToGamePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		p, ok := a.problems[payload.ProblemID]
		if !ok {
			return fmt.Errorf("%w: %s in event %s", ErrUnknownProblem, payload.ProblemID, event.ID)
		}
		p.Status = StatusTransformed
		p.Transformation = &Transformation{
			GameFormat:      payload.GameFormat,
			DifficultyCurve: payload.DifficultyCurve,
			TransformedAt:   payload.TransformedAt,
		}

	case EventProblemArchived:
		var payload ProblemArchivedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		p, ok := a.problems[payload.ProblemID]
		if !ok {
			return fmt.Errorf("%w: %s in event %s", ErrUnknownProblem, payload.ProblemID, event.ID)
		}
		p.Status = StatusArchived

	default:
		return fmt.Errorf("unknown event type %s for %s", event.EventType, AggregateType)
	}

	a.AdvanceVersion(event.Version)
	return nil
}

type snapshotState struct {
	SchemaVersion int                 `json:"schema_version"`
	Problems      map[string]*Problem `json:"problems"`
}

// MarshalState serializes the problem map for snapshotting.
func (a *Aggregate) MarshalState() ([]byte, error) {
	return json.Marshal(snapshotState{
		SchemaVersion: payloadSchemaVersion,
		Problems:      a.problems,
	})
}

// UnmarshalState restores the problem map from a snapshot blob.
func (a *Aggregate) UnmarshalState(data []byte) error {
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode %s snapshot: %w", AggregateType, err)
	}
	if state.Problems == nil {
		state.Problems = make(map[string]*Problem)
	}
	a.problems = state.Problems
	return nil
}
