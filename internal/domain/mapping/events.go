package mapping

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AggregateType tags job events and outbox rows.
const AggregateType = "MappingJob"

// EventType represents the type of domain event
type EventType string

const (
	EventBundleReceived  EventType = "BundleReceived"
	EventBundleMapped    EventType = "BundleMapped"
	EventMappingFailed   EventType = "MappingFailed"
	EventResultPublished EventType = "ResultPublished"
)

// Event is one entry in a job's history.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	BundleID      string          `json:"bundle_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithCorrelation sets the bundle id and request correlation id.
func (e *Event) WithCorrelation(bundleID, correlationID string) *Event {
	e.BundleID = bundleID
	e.CorrelationID = correlationID
	return e
}

// FailedData decodes the payload of a MappingFailed event.
func (e *Event) FailedData() (*MappingFailedData, error) {
	if e.EventType != EventMappingFailed {
		return nil, fmt.Errorf("event %s is %s, not %s", e.ID, e.EventType, EventMappingFailed)
	}
	var data MappingFailedData
	if err := json.Unmarshal(e.EventData, &data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.EventType, err)
	}
	return &data, nil
}

// BundleReceivedData records the inbound request.
type BundleReceivedData struct {
	JobID       string    `json:"job_id"`
	BundleID    string    `json:"bundle_id,omitempty"`
	Digest      string    `json:"digest"`
	FHIRVersion string    `json:"fhir_version"`
	Outputs     []string  `json:"outputs"`
	Traversal   string    `json:"traversal"`
	Source      string    `json:"source"`
	SizeBytes   int       `json:"size_bytes"`
	ReceivedAt  time.Time `json:"received_at"`
}

// BundleMappedData carries the mapped message and a summary of it.
type BundleMappedData struct {
	JobID           string          `json:"job_id"`
	MessageID       string          `json:"message_id"`
	HasDemographics bool            `json:"has_demographics"`
	LabResults      int             `json:"lab_results"`
	DurationMS      int64           `json:"duration_ms"`
	Message         json.RawMessage `json:"message,omitempty"`
	MappedAt        time.Time       `json:"mapped_at"`
}

// MappingFailedData records why a job failed.
type MappingFailedData struct {
	JobID    string    `json:"job_id"`
	Code     string    `json:"code"`
	Field    string    `json:"field,omitempty"`
	Reason   string    `json:"reason"`
	Terminal bool      `json:"terminal"`
	FailedAt time.Time `json:"failed_at"`
}

// ResultPublishedData records the topic the message was queued for through
// the outbox.
type ResultPublishedData struct {
	JobID       string    `json:"job_id"`
	MessageID   string    `json:"message_id"`
	Topic       string    `json:"topic"`
	PublishedAt time.Time `json:"published_at"`
}
