// Package mapping records bundle mapping jobs as event-sourced aggregates and
// runs bundles through the mapper registry.
package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusNew       Status = "new"
	StatusReceived  Status = "received"
	StatusMapped    Status = "mapped"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// ErrInvalidTransition is returned when an event does not fit the job state.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Job is the aggregate root for one bundle mapping.
type Job struct {
	id          string
	version     int
	status      Status
	bundleID    string
	digest      string
	fhirVersion string
	traversal   string
	outputs     []string
	messageID   string
	message     json.RawMessage
	labResults  int
	failureCode string
	failure     string
	topic       string
	createdAt   time.Time
	updatedAt   time.Time
	changes     []*Event
}

// NewJob creates an empty job with the given id.
func NewJob(id string) *Job {
	now := time.Now().UTC()
	return &Job{
		id:        id,
		status:    StatusNew,
		createdAt: now,
		updatedAt: now,
	}
}

func (j *Job) ID() string               { return j.id }
func (j *Job) Version() int             { return j.version }
func (j *Job) Status() Status           { return j.status }
func (j *Job) BundleID() string         { return j.bundleID }
func (j *Job) Digest() string           { return j.digest }
func (j *Job) FHIRVersion() string      { return j.fhirVersion }
func (j *Job) Traversal() string        { return j.traversal }
func (j *Job) Outputs() []string        { return j.outputs }
func (j *Job) MessageID() string        { return j.messageID }
func (j *Job) Message() json.RawMessage { return j.message }
func (j *Job) LabResults() int          { return j.labResults }
func (j *Job) FailureCode() string      { return j.failureCode }
func (j *Job) Failure() string          { return j.failure }
func (j *Job) Topic() string            { return j.topic }
func (j *Job) CreatedAt() time.Time     { return j.createdAt }
func (j *Job) UpdatedAt() time.Time     { return j.updatedAt }

// Changes returns uncommitted events
func (j *Job) Changes() []*Event { return j.changes }

// ClearChanges clears uncommitted events
func (j *Job) ClearChanges() { j.changes = nil }

// Receive records the inbound bundle.
func (j *Job) Receive(data *BundleReceivedData) error {
	if j.status != StatusNew {
		return fmt.Errorf("%w: receive from %s", ErrInvalidTransition, j.status)
	}
	data.JobID = j.id
	return j.record(EventBundleReceived, data, data.BundleID)
}

// MarkMapped records a successful mapping.
func (j *Job) MarkMapped(data *BundleMappedData) error {
	if j.status != StatusReceived {
		return fmt.Errorf("%w: map from %s", ErrInvalidTransition, j.status)
	}
	data.JobID = j.id
	return j.record(EventBundleMapped, data, j.bundleID)
}

// MarkFailed records a failure. Published jobs cannot fail.
func (j *Job) MarkFailed(data *MappingFailedData) error {
	if j.status == StatusPublished || j.status == StatusFailed {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, j.status)
	}
	data.JobID = j.id
	return j.record(EventMappingFailed, data, j.bundleID)
}

// MarkPublished records that the message was queued for topic.
func (j *Job) MarkPublished(topic string, at time.Time) error {
	if j.status != StatusMapped {
		return fmt.Errorf("%w: publish from %s", ErrInvalidTransition, j.status)
	}
	return j.record(EventResultPublished, &ResultPublishedData{
		JobID:       j.id,
		MessageID:   j.messageID,
		Topic:       topic,
		PublishedAt: at,
	}, j.bundleID)
}

func (j *Job) record(eventType EventType, data any, bundleID string) error {
	event, err := NewEvent(j.id, eventType, data)
	if err != nil {
		return err
	}
	event.BundleID = bundleID
	j.apply(event)
	j.changes = append(j.changes, event)
	return nil
}

func (j *Job) apply(event *Event) {
	j.version++
	j.updatedAt = event.Timestamp
	if j.version == 1 {
		j.createdAt = event.Timestamp
	}

	switch event.EventType {
	case EventBundleReceived:
		var data BundleReceivedData
		if json.Unmarshal(event.EventData, &data) != nil {
			return
		}
		j.status = StatusReceived
		j.bundleID = data.BundleID
		j.digest = data.Digest
		j.fhirVersion = data.FHIRVersion
		j.traversal = data.Traversal
		j.outputs = data.Outputs
	case EventBundleMapped:
		var data BundleMappedData
		if json.Unmarshal(event.EventData, &data) != nil {
			return
		}
		j.status = StatusMapped
		j.messageID = data.MessageID
		j.message = data.Message
		j.labResults = data.LabResults
	case EventMappingFailed:
		var data MappingFailedData
		if json.Unmarshal(event.EventData, &data) != nil {
			return
		}
		j.status = StatusFailed
		j.failureCode = data.Code
		j.failure = data.Reason
	case EventResultPublished:
		var data ResultPublishedData
		if json.Unmarshal(event.EventData, &data) != nil {
			return
		}
		j.status = StatusPublished
		j.topic = data.Topic
	}
}

// LoadFromHistory rebuilds state from events
func (j *Job) LoadFromHistory(events []*Event) {
	for _, event := range events {
		j.apply(event)
	}
}
