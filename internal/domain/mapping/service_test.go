package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/navapbc/go-piqi/internal/infrastructure/postgres"
	"github.com/navapbc/go-piqi/internal/mapper"
	"github.com/navapbc/go-piqi/internal/observability/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const serviceBundle = `{
  "resourceType": "Bundle",
  "id": "svc-bundle",
  "type": "collection",
  "entry": [
    {
      "fullUrl": "urn:uuid:pat-1",
      "resource": {"resourceType": "Patient", "id": "pat-1", "gender": "female", "birthDate": "1980-04-02"}
    },
    {
      "fullUrl": "urn:uuid:obs-1",
      "resource": {
        "resourceType": "Observation",
        "id": "obs-1",
        "status": "final",
        "category": [{"coding": [{"system": "http://terminology.hl7.org/CodeSystem/observation-category", "code": "laboratory"}]}],
        "code": {"coding": [{"system": "http://loinc.org", "code": "2339-0", "display": "Glucose"}], "text": "Glucose"},
        "valueQuantity": {"value": 95.5, "unit": "mg/dL"}
      }
    },
    {
      "fullUrl": "urn:uuid:rep-1",
      "resource": {
        "resourceType": "DiagnosticReport",
        "id": "rep-1",
        "status": "final",
        "category": [{"coding": [{"system": "http://terminology.hl7.org/CodeSystem/v2-0074", "code": "LAB"}]}],
        "code": {"text": "Glucose panel"},
        "result": [{"reference": "urn:uuid:obs-1"}]
      }
    }
  ]
}`

type memStore struct {
	events  map[string][]*Event
	outbox  []*postgres.OutboxEntry
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{events: make(map[string][]*Event)}
}

func (s *memStore) Save(ctx context.Context, job *Job, outbox ...*postgres.OutboxEntry) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	changes := job.Changes()
	for i, e := range changes {
		e.Version = job.Version() - len(changes) + i + 1
		s.events[job.ID()] = append(s.events[job.ID()], e)
	}
	s.outbox = append(s.outbox, outbox...)
	job.ClearChanges()
	return nil
}

func (s *memStore) Load(ctx context.Context, id string) (*Job, error) {
	events := s.events[id]
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job := NewJob(id)
	job.LoadFromHistory(events)
	return job, nil
}

func (s *memStore) GetEvents(ctx context.Context, id string) ([]*Event, error) {
	return s.events[id], nil
}

var testTopics = Topics{Messages: "piqi.messages", Events: "mapping.events"}

func newTestService(t *testing.T, store Store) (*Service, *metrics.Metrics, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	opts := []ServiceOption{WithMetrics(m)}
	if store != nil {
		opts = append(opts, WithStore(store, testTopics))
	}
	svc := NewService(mapper.NewRegistry(nil), zap.New(core), opts...)
	return svc, m, logs
}

func TestServiceMap(t *testing.T) {
	store := newMemStore()
	svc, m, logs := newTestService(t, store)

	res, err := svc.Map(context.Background(), Input{
		Payload:       []byte(serviceBundle),
		Source:        SourceHTTP,
		CorrelationID: "req-1",
	})
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if res.JobID == "" || res.Message == nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Message.BundleID != "svc-bundle" || res.Message.Demographics == nil || len(res.Message.LabResults) != 1 {
		t.Errorf("message = %+v", res.Message)
	}

	job, err := svc.Job(context.Background(), res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status() != StatusPublished || job.Topic() != "piqi.messages" || job.MessageID() != res.Message.ID {
		t.Errorf("job status = %s topic = %s", job.Status(), job.Topic())
	}

	events, err := svc.Events(context.Background(), res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range events {
		if e.Version != i+1 || e.CorrelationID != "req-1" {
			t.Errorf("event %d version = %d correlation = %q", i, e.Version, e.CorrelationID)
		}
	}

	if len(store.outbox) != 4 {
		t.Fatalf("outbox entries = %d, want 4", len(store.outbox))
	}
	msg := store.outbox[0]
	if msg.KafkaTopic != "piqi.messages" || msg.KafkaKey != "svc-bundle" || msg.Headers["fhir-version"] != "R4" {
		t.Errorf("message entry = %+v", msg)
	}
	for _, entry := range store.outbox[1:] {
		if entry.KafkaTopic != "mapping.events" || entry.KafkaKey != res.JobID {
			t.Errorf("event entry = %+v", entry)
		}
		if entry.EventType != string(EventBundleMapped) {
			continue
		}
		var e Event
		if err := json.Unmarshal(entry.Payload, &e); err != nil {
			t.Fatal(err)
		}
		var data BundleMappedData
		if err := json.Unmarshal(e.EventData, &data); err != nil {
			t.Fatal(err)
		}
		if data.Message != nil || data.LabResults != 1 {
			t.Errorf("mapped event data = %+v", data)
		}
	}

	if got := testutil.ToFloat64(m.BundlesMapped); got != 1 {
		t.Errorf("bundles mapped = %v", got)
	}
	if got := testutil.ToFloat64(m.LabResultsEmitted.WithLabelValues("report")); got != 1 {
		t.Errorf("lab results emitted = %v", got)
	}
	if got := testutil.ToFloat64(m.InFlightMappings); got != 0 {
		t.Errorf("in flight = %v", got)
	}
	if logs.FilterMessage("bundle mapped").Len() != 1 {
		t.Errorf("expected one mapped log entry, got %v", logs.All())
	}
}

func TestServiceMapFailures(t *testing.T) {
	tests := []struct {
		name     string
		in       Input
		wantCode string
	}{
		{"malformed json", Input{Payload: []byte(`{"resourceType":`)}, mapper.CodeInvalidBundle},
		{"unknown version", Input{Payload: []byte(serviceBundle), Version: "DSTU2"}, mapper.CodeUnsupportedMapping},
		{"unmapped version", Input{Payload: []byte(serviceBundle), Version: "R5"}, mapper.CodeUnsupportedMapping},
		{"unknown output", Input{Payload: []byte(serviceBundle), Outputs: []string{"medications"}}, mapper.CodeUnsupportedMapping},
		{"unknown traversal", Input{Payload: []byte(serviceBundle), Traversal: "specimen"}, mapper.CodeUnsupportedMapping},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			svc, m, _ := newTestService(t, store)

			res, err := svc.Map(context.Background(), tt.in)
			var mapErr *mapper.MapError
			if !errors.As(err, &mapErr) {
				t.Fatalf("error = %v, want *mapper.MapError", err)
			}
			if mapErr.Code != tt.wantCode || !mapErr.Terminal() {
				t.Errorf("code = %s terminal = %v", mapErr.Code, mapErr.Terminal())
			}
			if res == nil || res.JobID == "" || res.Message != nil {
				t.Fatalf("result = %+v", res)
			}

			job, err := svc.Job(context.Background(), res.JobID)
			if err != nil {
				t.Fatal(err)
			}
			if job.Status() != StatusFailed || job.FailureCode() != tt.wantCode {
				t.Errorf("job status = %s code = %s", job.Status(), job.FailureCode())
			}
			for _, entry := range store.outbox {
				if entry.KafkaTopic != "mapping.events" {
					t.Errorf("failed job queued %s on %s", entry.EventType, entry.KafkaTopic)
				}
			}
			if got := testutil.ToFloat64(m.BundlesFailed.WithLabelValues(tt.wantCode)); got != 1 {
				t.Errorf("bundles failed{%s} = %v", tt.wantCode, got)
			}
		})
	}
}

func TestServiceMapOptions(t *testing.T) {
	svc, m, _ := newTestService(t, nil)

	res, err := svc.Map(context.Background(), Input{
		Payload:   []byte(serviceBundle),
		Version:   "4.0.1",
		Outputs:   []string{"labResults"},
		Traversal: "observation",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.Demographics != nil || len(res.Message.LabResults) != 1 {
		t.Errorf("message = %+v", res.Message)
	}
	if got := testutil.ToFloat64(m.DemographicsMissing); got != 0 {
		t.Errorf("demographics missing = %v", got)
	}
	if got := testutil.ToFloat64(m.LabResultsEmitted.WithLabelValues("observation")); got != 1 {
		t.Errorf("observation results = %v", got)
	}

	if _, err := svc.Job(context.Background(), res.JobID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Job() without store error = %v", err)
	}
}

func TestServiceSaveError(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("connection reset")
	svc, _, _ := newTestService(t, store)

	res, err := svc.Map(context.Background(), Input{Payload: []byte(serviceBundle)})
	if err == nil || res != nil {
		t.Fatalf("Map() = %+v, %v", res, err)
	}
	var mapErr *mapper.MapError
	if errors.As(err, &mapErr) {
		t.Errorf("save failure reported as mapping error %v", err)
	}
}
