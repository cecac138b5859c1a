package contentgen

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types raised by the content generation aggregate.
const (
	EventContentRequested        = "ContentRequested"
	EventContentGenerated        = "ContentGenerated"
	EventContentGenerationFailed = "ContentGenerationFailed"
	EventDetectionRecorded       = "DetectionRecorded"
)

// EventTypes lists every event type of the aggregate, for subscriptions.
func EventTypes() []string {
	return []string{
		EventContentRequested,
		EventContentGenerated,
		EventContentGenerationFailed,
		EventDetectionRecorded,
	}
}

// payloadSchemaVersion tags every payload so readers can branch on shape
// changes without a registry.
const payloadSchemaVersion = 1

// ContentRequestedPayload records a new generation request.
type ContentRequestedPayload struct {
	SchemaVersion int       `json:"schema_version"`
	RequestID     string    `json:"request_id"`
	Topic         string    `json:"topic"`
	Difficulty    string    `json:"difficulty"`
	Kind          string    `json:"kind"`
	RequestedBy   string    `json:"requested_by"`
	RequestedAt   time.Time `json:"requested_at"`
}

// ContentGeneratedPayload records the produced content. Exactly one of Text
// and ImageURI is set, matching the request's kind.
type ContentGeneratedPayload struct {
	SchemaVersion int    `json:"schema_version"`
	RequestID     string `json:"request_id"`
	Text          string `json:"text,omitempty"`
	ImageURI      string `json:"image_uri,omitempty"`
}

// ContentGenerationFailedPayload records a terminal generation failure.
type ContentGenerationFailedPayload struct {
	SchemaVersion int    `json:"schema_version"`
	RequestID     string `json:"request_id"`
	Reason        string `json:"reason"`
}

// DetectionRecordedPayload records an AI-generation detection verdict for
// generated content.
type DetectionRecordedPayload struct {
	SchemaVersion int             `json:"schema_version"`
	RequestID     string          `json:"request_id"`
	IsAIGenerated bool            `json:"is_ai_generated"`
	Confidence    decimal.Decimal `json:"confidence"`
	Explanation   string          `json:"explanation"`
	DetectedAt    time.Time       `json:"detected_at"`
}
