// Package provider defines the port to AI content backends. The core never
// talks to a vendor SDK directly; command services call this port outside
// storage transactions and record the results as events.
package provider

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when the backend cannot serve the call.
// Callers record the failure and may retry with a new command.
var ErrUnavailable = errors.New("content provider unavailable")

// Verdict is the outcome of an AI-generation detection pass.
type Verdict struct {
	IsAIGenerated bool
	// Confidence is the detector's score in [0, 1].
	Confidence  decimal.Decimal
	Explanation string
}

// ContentProvider generates learning content and detects AI-generated text.
type ContentProvider interface {
	// GenerateText produces learning text for a topic at a difficulty level.
	GenerateText(ctx context.Context, topic, difficulty string) (string, error)

	// GenerateImage produces an image for a topic and returns its URI.
	GenerateImage(ctx context.Context, topic string) (string, error)

	// Detect scores how likely the content is AI-generated.
	Detect(ctx context.Context, content string) (*Verdict, error)
}
