// Package postgres implements the transactional outbox that carries mapping
// results and job events from Postgres to Kafka.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/navapbc/go-piqi/pkg/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is one row waiting to be published.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Headers       map[string]string
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox processor
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries failed publishes move an entry to DeadLetterTopic.
	MaxRetries      int
	DeadLetterTopic string
	// LockID is the transaction advisory lock key shared by all relays.
	LockID int64
}

// DefaultOutboxConfig returns the relay defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		LockID:          0x50495149, // "PIQI"
	}
}

// Publisher sends one record and waits for the ack.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// DB is the subset of *pgxpool.Pool the relay uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Outbox polls the outbox table and publishes pending entries.
type Outbox struct {
	db        DB
	config    OutboxConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	pending   prometheus.Gauge

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithPendingGauge reports the pending entry count after each batch.
func WithPendingGauge(g prometheus.Gauge) Option {
	return func(o *Outbox) { o.pending = g }
}

// NewOutbox creates a new outbox processor
func NewOutbox(db DB, publisher Publisher, cfg OutboxConfig, logger *zap.Logger, opts ...Option) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		db:        db,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WriteEntry inserts entry inside tx, the same transaction as the domain
// write. The trace context of ctx is stored with it so the relay can
// continue the trace when publishing.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	if entry.Headers == nil {
		entry.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(entry.Headers))

	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("encode outbox headers: %w", err)
	}

	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, headers, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		headers,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox processor started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox processor
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox processor stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch under the advisory lock and returns the
// number of entries published. It returns 0 without error when another
// relay holds the lock.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	tx, err := o.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", o.config.LockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	entries, err := fetch(ctx, tx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload, headers,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		err := o.processEntry(ctx, tx, entry)
		if circuitbreaker.IsOpen(err) {
			// publisher is unavailable; leave the rest for a later batch
			o.logger.Warn("publisher unavailable, pausing batch", zap.Error(err))
			break
		}
		if err != nil {
			o.logger.Error("failed to process outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			continue
		}
		published++
	}

	if _, err := o.moveToDeadLetter(ctx, tx); err != nil {
		o.logger.Error("dead-letter pass failed", zap.Error(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	if o.pending != nil {
		if stats, err := o.GetStats(ctx); err == nil {
			o.pending.Set(float64(stats.Pending))
		}
	}
	return published, nil
}

// Execer is satisfied by pgx pools, connections and transactions.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// processEntry publishes entry and marks it processed, or bumps its retry
// count on failure. A rejection by an open breaker leaves the row untouched.
func (o *Outbox) processEntry(ctx context.Context, db Execer, entry *OutboxEntry) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(entry.Headers))
	ctx, span := o.tracer.Start(ctx, "outbox.publish",
		trace.WithAttributes(
			attribute.Int64("outbox.id", entry.ID),
			attribute.String("outbox.event_type", entry.EventType),
			attribute.String("outbox.aggregate_id", entry.AggregateID),
		))
	defer span.End()

	err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload, recordHeaders(entry))
	if err != nil {
		span.RecordError(err)
		if circuitbreaker.IsOpen(err) {
			return err
		}
		if _, updateErr := db.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := db.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry published",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

// recordHeaders are the entry's stored headers plus its event type and
// aggregate id.
func recordHeaders(entry *OutboxEntry) map[string]string {
	h := make(map[string]string, len(entry.Headers)+2)
	for k, v := range entry.Headers {
		h[k] = v
	}
	h["event-type"] = entry.EventType
	h["job-id"] = entry.AggregateID
	return h
}

func (o *Outbox) moveToDeadLetter(ctx context.Context, tx pgx.Tx) (int64, error) {
	entries, err := fetch(ctx, tx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload, headers,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		payload, err := DeadLetterPayload(entry)
		if err != nil {
			o.logger.Error("failed to encode dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.KafkaKey, payload, recordHeaders(entry)); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			if circuitbreaker.IsOpen(err) {
				break
			}
			continue
		}
		if _, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		count++
	}
	if count > 0 {
		o.logger.Warn("outbox entries dead-lettered", zap.Int64("count", count))
	}
	return count, nil
}

// DeadLetterPayload wraps an undeliverable entry with its delivery history.
func DeadLetterPayload(entry *OutboxEntry) ([]byte, error) {
	return json.Marshal(struct {
		OriginalTopic string          `json:"original_topic"`
		EventType     string          `json:"event_type"`
		AggregateID   string          `json:"aggregate_id"`
		Payload       json.RawMessage `json:"payload"`
		RetryCount    int             `json:"retry_count"`
		LastError     *string         `json:"last_error"`
		CreatedAt     time.Time       `json:"created_at"`
	}{
		OriginalTopic: entry.KafkaTopic,
		EventType:     entry.EventType,
		AggregateID:   entry.AggregateID,
		Payload:       entry.Payload,
		RetryCount:    entry.RetryCount,
		LastError:     entry.LastError,
		CreatedAt:     entry.CreatedAt,
	})
}

func fetch(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		var headers []byte
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &headers, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &entry.Headers); err != nil {
				return nil, fmt.Errorf("decode headers of entry %d: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CleanupProcessed removes processed entries older than olderThan.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.db.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats holds outbox counts.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
