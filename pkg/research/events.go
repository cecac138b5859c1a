package research

import "time"

// Event types raised by the research problem aggregate.
const (
	EventProblemCreated           = "ProblemCreated"
	EventProblemUpdated           = "ProblemUpdated"
	EventProblemTransformedToGame = "ProblemTransformedToGame"
	EventProblemArchived          = "ProblemArchived"
)

// EventTypes lists every event type of the aggregate, for subscriptions.
func EventTypes() []string {
	return []string{
		EventProblemCreated,
		EventProblemUpdated,
		EventProblemTransformedToGame,
		EventProblemArchived,
	}
}

const payloadSchemaVersion = 1

// ProblemCreatedPayload records a new research problem.
type ProblemCreatedPayload struct {
	SchemaVersion int       `json:"schema_version"`
	ProblemID     string    `json:"problem_id"`
	Title         string    `json:"title"`
	Domain        string    `json:"domain"`
	Institution   string    `json:"institution"`
	Description   string    `json:"description"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// ProblemUpdatedPayload records changed fields. Nil pointers mean the field
// was untouched, so replaying old events cannot blank newer data.
type ProblemUpdatedPayload struct {
	SchemaVersion int     `json:"schema_version"`
	ProblemID     string  `json:"problem_id"`
	Title         *string `json:"title,omitempty"`
	Domain        *string `json:"domain,omitempty"`
	Institution   *string `json:"institution,omitempty"`
	Description   *string `json:"description,omitempty"`
}

// ProblemTransformedToGamePayload records the transformation of a problem
// into a playable game problem.
type ProblemTransformedToGamePayload struct {
	SchemaVersion   int       `json:"schema_version"`
	ProblemID       string    `json:"problem_id"`
	GameFormat      string    `json:"game_format"`
	DifficultyCurve string    `json:"difficulty_curve"`
	TransformedAt   time.Time `json:"transformed_at"`
}

// ProblemArchivedPayload records a soft delete. The problem's event history
// stays in the log.
type ProblemArchivedPayload struct {
	SchemaVersion int       `json:"schema_version"`
	ProblemID     string    `json:"problem_id"`
	ArchivedAt    time.Time `json:"archived_at"`
}
