// Package redpanda moves bundles and PIQI messages through Kafka-compatible
// topics with franz-go.
package redpanda

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers []string
	// BatchMaxBytes must exceed the largest bundle or message produced.
	BatchMaxBytes      int32
	LingerMS           int64
	MaxBufferedRecords int
	// Compression is one of lz4, snappy, gzip, zstd or none.
	Compression string
	// RequiredAcks is -1 for all ISR, 1 for the leader, 0 for none.
	RequiredAcks   int16
	MaxRetries     int
	RetryBackoffMS int64
}

// DefaultProducerConfig returns the producer defaults.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:            []string{"localhost:9092"},
		BatchMaxBytes:      16 * 1024 * 1024,
		LingerMS:           10,
		MaxBufferedRecords: 100_000,
		Compression:        "lz4",
		RequiredAcks:       -1,
		MaxRetries:         3,
		RetryBackoffMS:     100,
	}
}

// Producer publishes records synchronously or asynchronously.
type Producer struct {
	client   *kgo.Client
	config   ProducerConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	produced prometheus.Counter

	mu           sync.RWMutex
	messagesSent int64
	bytesSent    int64
	errorCount   int64
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithProducedCounter counts successfully produced records.
func WithProducedCounter(c prometheus.Counter) ProducerOption {
	return func(p *Producer) { p.produced = c }
}

// NewProducer creates a producer connected to cfg.Brokers.
func NewProducer(cfg ProducerConfig, logger *zap.Logger, opts ...ProducerOption) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(producerOpts(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	p := &Producer{
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func producerOpts(cfg ProducerConfig) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
	}
	if cfg.BatchMaxBytes > 0 {
		opts = append(opts, kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes))
	}
	if cfg.MaxBufferedRecords > 0 {
		opts = append(opts, kgo.MaxBufferedRecords(cfg.MaxBufferedRecords))
	}

	switch cfg.RequiredAcks {
	case 0:
		// kgo requires idempotent writes to be off without acks.
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	case "none":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.NoCompression()))
	}
	return opts
}

// Record is a message to be produced.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

func (r *Record) toKgo(ctx context.Context) *kgo.Record {
	rec := &kgo.Record{
		Topic: r.Topic,
		Key:   []byte(r.Key),
		Value: r.Value,
	}
	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(r.Headers[k])})
	}
	InjectTrace(ctx, rec)
	return rec
}

// Publish produces one record and waits for the broker ack. It satisfies
// the outbox publisher interface.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	return p.Produce(ctx, &Record{Topic: topic, Key: key, Value: value, Headers: headers})
}

// Produce sends rec and waits for the result.
func (p *Producer) Produce(ctx context.Context, rec *Record) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", rec.Topic),
			attribute.String("messaging.kafka.message.key", rec.Key),
			attribute.Int("messaging.message.body.size", len(rec.Value)),
		))
	defer span.End()

	result := p.client.ProduceSync(ctx, rec.toKgo(ctx))
	r, err := result.First()
	if err != nil {
		p.recordError()
		p.logger.Error("failed to produce message",
			zap.String("topic", rec.Topic),
			zap.String("key", rec.Key),
			zap.Error(err))
		span.RecordError(err)
		return fmt.Errorf("produce to %s: %w", rec.Topic, err)
	}

	p.recordSent(len(r.Value))
	p.logger.Debug("message produced",
		zap.String("topic", r.Topic),
		zap.Int32("partition", r.Partition),
		zap.Int64("offset", r.Offset))
	return nil
}

// ProduceBatch sends records concurrently and waits for all of them.
func (p *Producer) ProduceBatch(ctx context.Context, records []*Record) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.produce_batch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.Int("batch_size", len(records))))
	defer span.End()

	kgoRecords := make([]*kgo.Record, 0, len(records))
	for _, rec := range records {
		kgoRecords = append(kgoRecords, rec.toKgo(ctx))
	}

	results := p.client.ProduceSync(ctx, kgoRecords...)
	var failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
			p.recordError()
			continue
		}
		p.recordSent(len(res.Record.Value))
	}
	if err := results.FirstErr(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("batch produce failed with %d errors, first: %w", failed, err)
	}
	return nil
}

// Flush blocks until all buffered records are sent
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	ErrorCount   int64
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ProducerStats{
		MessagesSent: p.messagesSent,
		BytesSent:    p.bytesSent,
		ErrorCount:   p.errorCount,
	}
}

func (p *Producer) recordSent(bytes int) {
	p.mu.Lock()
	p.messagesSent++
	p.bytesSent += int64(bytes)
	p.mu.Unlock()
	if p.produced != nil {
		p.produced.Inc()
	}
}

func (p *Producer) recordError() {
	p.mu.Lock()
	p.errorCount++
	p.mu.Unlock()
}
