// Package contentgen holds the content generation aggregate: the lifecycle
// of AI content requests from submission through generation and detection.
// One aggregate instance scopes the requests of one course unit, so related
// requests share a version sequence and conflict checks.
package contentgen

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cognifyhq/aidomain/pkg/domain"
)

// AggregateType is the aggregate's type tag in the event log.
const AggregateType = "content_generation"

var (
	// ErrUnknownRequest is returned for a request id the aggregate never saw.
	ErrUnknownRequest = errors.New("unknown content request")

	// ErrRequestFinished is returned when a command targets a request that
	// already completed or failed.
	ErrRequestFinished = errors.New("content request already finished")

	// ErrDuplicateRequest is returned when a request id is reused.
	ErrDuplicateRequest = errors.New("duplicate content request")

	// ErrNotGenerated is returned when detection targets a request without
	// generated content.
	ErrNotGenerated = errors.New("content request has no generated content")
)

// RequestStatus is the lifecycle state of one content request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
)

// Kind is the requested content medium.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Detection is the recorded verdict for a request's generated content.
type Detection struct {
	IsAIGenerated bool            `json:"is_ai_generated"`
	Confidence    decimal.Decimal `json:"confidence"`
	Explanation   string          `json:"explanation"`
	DetectedAt    time.Time       `json:"detected_at"`
}

// Request is the state of one content request inside the aggregate.
type Request struct {
	RequestID     string        `json:"request_id"`
	Topic         string        `json:"topic"`
	Difficulty    string        `json:"difficulty"`
	Kind          Kind          `json:"kind"`
	Status        RequestStatus `json:"status"`
	Text          string        `json:"text,omitempty"`
	ImageURI      string        `json:"image_uri,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Detection     *Detection    `json:"detection,omitempty"`
	RequestedBy   string        `json:"requested_by"`
	RequestedAt   time.Time     `json:"requested_at"`
}

// Aggregate is the content generation aggregate.
type Aggregate struct {
	domain.AggregateRoot
	requests map[string]*Request
}

// New creates an empty aggregate for the given id.
func New(id string) *Aggregate {
	return &Aggregate{
		AggregateRoot: domain.NewAggregateRoot(id, AggregateType),
		requests:      make(map[string]*Request),
	}
}

// Request returns a copy of one request's state.
func (a *Aggregate) Request(requestID string) (Request, bool) {
	req, ok := a.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// RequestCount returns the number of requests the aggregate tracks.
func (a *Aggregate) RequestCount() int { return len(a.requests) }

// RequestContentGeneration raises ContentRequested for a fresh request id.
func (a *Aggregate) RequestContentGeneration(requestID, topic, difficulty string, kind Kind, meta domain.EventMetadata) error {
	if requestID == "" {
		return fmt.Errorf("request id is required")
	}
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if kind != KindText && kind != KindImage {
		return fmt.Errorf("unknown content kind %q", kind)
	}
	if _, exists := a.requests[requestID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	return a.raise(EventContentRequested, ContentRequestedPayload{
		SchemaVersion: payloadSchemaVersion,
		RequestID:     requestID,
		Topic:         topic,
		Difficulty:    difficulty,
		Kind:          string(kind),
		RequestedBy:   meta.ActorID,
		RequestedAt:   domain.Now(),
	}, meta)
}

// RecordGeneratedContent raises ContentGenerated for a pending request.
func (a *Aggregate) RecordGeneratedContent(requestID, text, imageURI string, meta domain.EventMetadata) error {
	req, ok := a.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrRequestFinished, requestID, req.Status)
	}
	if text == "" && imageURI == "" {
		return fmt.Errorf("generated content is empty for request %s", requestID)
	}

	return a.raise(EventContentGenerated, ContentGeneratedPayload{
		SchemaVersion: payloadSchemaVersion,
		RequestID:     requestID,
		Text:          text,
		ImageURI:      imageURI,
	}, meta)
}

// FailContentGeneration raises ContentGenerationFailed for a pending request.
func (a *Aggregate) FailContentGeneration(requestID, reason string, meta domain.EventMetadata) error {
	req, ok := a.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrRequestFinished, requestID, req.Status)
	}

	return a.raise(EventContentGenerationFailed, ContentGenerationFailedPayload{
		SchemaVersion: payloadSchemaVersion,
		RequestID:     requestID,
		Reason:        reason,
	}, meta)
}

// RecordDetection raises DetectionRecorded for a completed request.
func (a *Aggregate) RecordDetection(requestID string, isAIGenerated bool, confidence decimal.Decimal, explanation string, meta domain.EventMetadata) error {
	req, ok := a.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if req.Status != StatusCompleted {
		return fmt.Errorf("%w: %s is %s", ErrNotGenerated, requestID, req.Status)
	}

	return a.raise(EventDetectionRecorded, DetectionRecordedPayload{
		SchemaVersion: payloadSchemaVersion,
		RequestID:     requestID,
		IsAIGenerated: isAIGenerated,
		Confidence:    confidence,
		Explanation:   explanation,
		DetectedAt:    domain.Now(),
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
	case EventContentRequested:
		var p ContentRequestedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.requests[p.RequestID] = &Request{
			RequestID:   p.RequestID,
			Topic:       p.Topic,
			Difficulty:  p.Difficulty,
			Kind:        Kind(p.Kind),
			Status:      StatusPending,
			RequestedBy: p.RequestedBy,
			RequestedAt: p.RequestedAt,
		}

	case EventContentGenerated:
		var p ContentGeneratedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		req, ok := a.requests[p.RequestID]
		if !ok {
			return fmt.Errorf("%w: %s in event %s", ErrUnknownRequest, p.RequestID, event.ID)
		}
		req.Status = StatusCompleted
		req.Text = p.Text
		req.ImageURI = p.ImageURI

	case EventContentGenerationFailed:
		var p ContentGenerationFailedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		req, ok := a.requests[p.RequestID]
		if !ok {
			return fmt.Errorf("%w: %s in event %s", ErrUnknownRequest, p.RequestID, event.ID)
		}
		req.Status = StatusFailed
		req.FailureReason = p.Reason

	case EventDetectionRecorded:
		var p DetectionRecordedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		req, ok := a.requests[p.RequestID]
		if !ok {
			return fmt.Errorf("%w: %s in event %s", ErrUnknownRequest, p.RequestID, event.ID)
		}
		req.Detection = &Detection{
			IsAIGenerated: p.IsAIGenerated,
			Confidence:    p.Confidence,
			Explanation:   p.Explanation,
			DetectedAt:    p.DetectedAt,
		}

	default:
		return fmt.Errorf("unknown event type %s for %s", event.EventType, AggregateType)
	}

	a.AdvanceVersion(event.Version)
	return nil
}

// snapshotState is the snapshot blob layout.
type snapshotState struct {
	SchemaVersion int                 `json:"schema_version"`
	Requests      map[string]*Request `json:"requests"`
}

// MarshalState serializes the request map for snapshotting.
func (a *Aggregate) MarshalState() ([]byte, error) {
	return json.Marshal(snapshotState{
		SchemaVersion: payloadSchemaVersion,
		Requests:      a.requests,
	})
}

// UnmarshalState restores the request map from a snapshot blob.
func (a *Aggregate) UnmarshalState(data []byte) error {
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode %s snapshot: %w", AggregateType, err)
	}
	if state.Requests == nil {
		state.Requests = make(map[string]*Request)
	}
	a.requests = state.Requests
	return nil
}
