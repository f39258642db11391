package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/navapbc/go-piqi/internal/domain/mapping"
	"github.com/navapbc/go-piqi/internal/infrastructure/redpanda"
	"github.com/navapbc/go-piqi/internal/mapper"
	"github.com/navapbc/go-piqi/pkg/idempotency"
	"github.com/navapbc/go-piqi/pkg/workerpool"
)

const bundle = `{
  "resourceType": "Bundle",
  "id": "kafka-bundle",
  "type": "collection",
  "entry": [
    {"fullUrl": "urn:uuid:pat-1", "resource": {"resourceType": "Patient", "id": "pat-1", "gender": "female"}}
  ]
}`

// memInbox mimics the inbox status transitions in memory.
type memInbox struct {
	mu     sync.Mutex
	status map[string]idempotency.Status
	result map[string]json.RawMessage
}

func newMemInbox() *memInbox {
	return &memInbox{status: map[string]idempotency.Status{}, result: map[string]json.RawMessage{}}
}

func (m *memInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	status, seen := m.status[key]
	m.mu.Unlock()

	switch status {
	case idempotency.StatusFinished:
		return &idempotency.ProcessResult{Result: m.result[key]}, nil
	case idempotency.StatusFailed:
		return nil, idempotency.ErrPreviouslyFailed
	}

	res, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.status[key] = idempotency.StatusRecoverable
		if idempotency.IsTerminal(err) {
			m.status[key] = idempotency.StatusFailed
		}
		return nil, err
	}
	m.status[key] = idempotency.StatusFinished
	m.result[key] = res
	return &idempotency.ProcessResult{IsNew: !seen, WasRecovered: seen, Result: res}, nil
}

type countingMapper struct {
	next  Mapper
	calls atomic.Int32
	err   error
}

func (c *countingMapper) Map(ctx context.Context, in mapping.Input) (*mapping.Result, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.next.Map(ctx, in)
}

func newWorker(t *testing.T, m Mapper, inbox Inbox) *Worker {
	t.Helper()
	cfg := workerpool.DefaultConfig()
	cfg.Workers = 2
	cfg.RetryDelay = time.Millisecond
	w, err := New(m, inbox, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func message(value string) *redpanda.ConsumedMessage {
	return &redpanda.ConsumedMessage{
		Topic:   redpanda.TopicFHIRBundles,
		Key:     []byte("kafka-bundle"),
		Value:   []byte(value),
		Headers: map[string]string{redpanda.HeaderFHIRVersion: "R4"},
	}
}

func TestHandleMapsOnce(t *testing.T) {
	m := &countingMapper{next: mapping.NewService(mapper.NewRegistry(nil), nil)}
	inbox := newMemInbox()
	w := newWorker(t, m, inbox)

	for i := 0; i < 3; i++ {
		if err := w.Handle(context.Background(), message(bundle)); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if got := m.calls.Load(); got != 1 {
		t.Errorf("mapper calls = %d, want 1", got)
	}

	key := idempotency.GenerateKey("kafka-bundle", []byte(bundle))
	var out Outcome
	if err := json.Unmarshal(inbox.result[key], &out); err != nil {
		t.Fatal(err)
	}
	if out.BundleID != "kafka-bundle" || out.JobID == "" || out.MessageID == "" {
		t.Errorf("stored outcome = %+v", out)
	}
}

func TestHandleTerminalError(t *testing.T) {
	m := &countingMapper{next: mapping.NewService(mapper.NewRegistry(nil), nil)}
	w := newWorker(t, m, newMemInbox())

	err := w.Handle(context.Background(), message(`{"resourceType":"Bundle","entry":`))
	if !idempotency.IsTerminal(err) {
		t.Fatalf("error = %v, want terminal", err)
	}
	var mapErr *mapper.MapError
	if !errors.As(err, &mapErr) || mapErr.Code != mapper.CodeInvalidBundle {
		t.Errorf("error = %v", err)
	}

	// redelivery of a failed bundle is acknowledged without mapping again
	if err := w.Handle(context.Background(), message(`{"resourceType":"Bundle","entry":`)); err != nil {
		t.Errorf("redelivery error = %v", err)
	}
	if got := m.calls.Load(); got != 1 {
		t.Errorf("mapper calls = %d, want 1", got)
	}
}

func TestHandleRetriesTransientErrors(t *testing.T) {
	m := &countingMapper{err: errors.New("database unavailable")}
	w := newWorker(t, m, nil)

	err := w.Handle(context.Background(), message(bundle))
	if err == nil || idempotency.IsTerminal(err) {
		t.Fatalf("error = %v, want transient", err)
	}
	if got, want := m.calls.Load(), int32(workerpool.DefaultConfig().MaxRetries+1); got != want {
		t.Errorf("mapper calls = %d, want %d", got, want)
	}
}
