// Package worker maps bundles consumed from Kafka on a worker pool, with an
// inbox guarding against redelivery.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/navapbc/go-piqi/internal/domain/mapping"
	"github.com/navapbc/go-piqi/internal/infrastructure/redpanda"
	"github.com/navapbc/go-piqi/pkg/idempotency"
	"github.com/navapbc/go-piqi/pkg/workerpool"
	"go.uber.org/zap"
)

// HandlerName tags inbox rows written by the worker.
const HandlerName = "bundle-mapper"

// Inbox runs a function at most once per key.
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Mapper maps one bundle.
type Mapper interface {
	Map(ctx context.Context, in mapping.Input) (*mapping.Result, error)
}

// Outcome is what the inbox stores for a finished bundle.
type Outcome struct {
	JobID      string `json:"job_id"`
	MessageID  string `json:"message_id"`
	BundleID   string `json:"bundle_id,omitempty"`
	LabResults int    `json:"lab_results"`
}

// Worker ties the consumer, inbox, pool and mapping service together.
type Worker struct {
	svc    Mapper
	inbox  Inbox
	pool   *workerpool.Pool
	logger *zap.Logger
}

// New creates a worker and its pool. A nil inbox maps every delivery.
func New(svc Mapper, inbox Inbox, cfg workerpool.Config, logger *zap.Logger) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{svc: svc, inbox: inbox, logger: logger}
	if cfg.Retryable == nil {
		cfg.Retryable = func(err error) bool { return !idempotency.IsTerminal(err) }
	}
	pool, err := workerpool.New(cfg, w.run, logger)
	if err != nil {
		return nil, err
	}
	w.pool = pool
	return w, nil
}

// Start starts the pool.
func (w *Worker) Start() { w.pool.Start() }

// Stop drains the pool.
func (w *Worker) Stop() error { return w.pool.Stop() }

// Stats exposes pool statistics.
func (w *Worker) Stats() workerpool.Stats { return w.pool.Stats() }

// Healthy reports whether the pool queue has headroom.
func (w *Worker) Healthy() bool { return w.pool.IsHealthy() }

// Handle is a redpanda.MessageHandler. Duplicate and previously failed
// bundles are acknowledged without mapping; terminal mapping errors are
// returned so the consumer dead-letters the record.
func (w *Worker) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	bundleID := msg.Headers[redpanda.HeaderBundleID]
	if bundleID == "" {
		bundleID = string(msg.Key)
	}
	key := idempotency.GenerateKey(bundleID, msg.Value)
	logger := w.logger.With(
		zap.String("bundle_id", bundleID),
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	fn := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return w.mapOnPool(ctx, key, msg)
	}

	if w.inbox == nil {
		_, err := fn(ctx, nil)
		return err
	}

	res, err := w.inbox.Process(ctx, key, HandlerName, inboxPayload(msg), fn)
	switch {
	case errors.Is(err, idempotency.ErrPreviouslyFailed), errors.Is(err, idempotency.ErrDuplicateMessage):
		logger.Info("skipping redelivered bundle", zap.Error(err))
		return nil
	case err != nil:
		return err
	case !res.IsNew && !res.WasRecovered:
		logger.Info("bundle already mapped", zap.ByteString("result", res.Result))
	}
	return nil
}

func (w *Worker) mapOnPool(ctx context.Context, key string, msg *redpanda.ConsumedMessage) (json.RawMessage, error) {
	task := &workerpool.Task{ID: key, Payload: msg, Context: ctx}
	result, err := w.pool.SubmitWait(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("submit bundle: %w", err)
	}
	if !result.Success {
		return nil, result.Error
	}
	return json.Marshal(result.Data)
}

func (w *Worker) run(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	msg := task.Payload.(*redpanda.ConsumedMessage)

	res, err := w.svc.Map(ctx, mapping.Input{
		Payload:       msg.Value,
		Version:       msg.Headers[redpanda.HeaderFHIRVersion],
		Source:        mapping.SourceKafka,
		CorrelationID: fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		Digest:        task.ID,
	})
	if err != nil {
		return &workerpool.Result{TaskID: task.ID, Error: err}
	}

	return &workerpool.Result{
		TaskID:  task.ID,
		Success: true,
		Data: Outcome{
			JobID:      res.JobID,
			MessageID:  res.Message.ID,
			BundleID:   res.Message.BundleID,
			LabResults: len(res.Message.LabResults),
		},
	}
}

// inboxPayload records where the bundle came from rather than the bundle
// itself, which can be large.
func inboxPayload(msg *redpanda.ConsumedMessage) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"bytes":     len(msg.Value),
	})
	return data
}
