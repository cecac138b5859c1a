package provider

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Static is a deterministic ContentProvider for development and tests. It
// fabricates content from its inputs and can be forced to fail.
type Static struct {
	// FailGeneration makes the generation calls return ErrUnavailable.
	FailGeneration bool

	// FailDetection makes Detect return ErrUnavailable.
	FailDetection bool

	// DetectionVerdict overrides the verdict Detect returns.
	DetectionVerdict *Verdict
}

// NewStatic creates a Static provider with a fixed low-confidence verdict.
func NewStatic() *Static {
	return &Static{
		DetectionVerdict: &Verdict{
			IsAIGenerated: false,
			Confidence:    decimal.NewFromFloat(0.12),
			Explanation:   "no generation markers found",
		},
	}
}

// GenerateText fabricates deterministic text from the inputs.
func (s *Static) GenerateText(_ context.Context, topic, difficulty string) (string, error) {
	if s.FailGeneration {
		return "", fmt.Errorf("%w: text generation disabled", ErrUnavailable)
	}
	return fmt.Sprintf("An introduction to %s at %s level.", topic, difficulty), nil
}

// GenerateImage fabricates a deterministic URI from the topic.
func (s *Static) GenerateImage(_ context.Context, topic string) (string, error) {
	if s.FailGeneration {
		return "", fmt.Errorf("%w: image generation disabled", ErrUnavailable)
	}
	return "static://images/" + topic, nil
}

// Detect returns the configured verdict.
func (s *Static) Detect(_ context.Context, _ string) (*Verdict, error) {
	if s.FailDetection {
		return nil, fmt.Errorf("%w: detection disabled", ErrUnavailable)
	}
	return s.DetectionVerdict, nil
}
