package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/navapbc/go-piqi/pkg/idempotency"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// DeadLetterTopic receives records whose handler failed terminally.
	// Empty disables dead-lettering.
	DeadLetterTopic     string
	SessionTimeoutMS    int64
	HeartbeatIntervalMS int64
	FetchMaxBytes       int32
	// StartOffset is "earliest" or "latest".
	StartOffset string
	// RetryBackoff is the first wait after a failure that is not terminal.
	// It doubles up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConsumerConfig returns the consumer defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "piqi-mapper",
		Topics:              []string{TopicFHIRBundles},
		DeadLetterTopic:     TopicDeadLetter,
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		FetchMaxBytes:       52428800,
		StartOffset:         "earliest",
		RetryBackoff:        500 * time.Millisecond,
		MaxRetryBackoff:     30 * time.Second,
	}
}

// MessageHandler is called for each consumed message. Returning an error
// whose Terminal() method reports true dead-letters the record. Any other
// error is retried on the same record; later records of the poll wait.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads a consumer group and commits each record after its handler
// succeeds.
type Consumer struct {
	client   *kgo.Client
	config   ConsumerConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	handler  MessageHandler
	consumed prometheus.Counter
	commit   func(ctx context.Context, records ...*kgo.Record) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	messagesRead int64
	bytesRead    int64
	errorCount   int64
	deadLettered int64
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumedCounter counts records handled successfully.
func WithConsumedCounter(c prometheus.Counter) ConsumerOption {
	return func(cs *Consumer) { cs.consumed = c }
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	switch cfg.StartOffset {
	case "latest":
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		commit:  client.CommitRecords,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
	c.logger.Info("consumer started",
		zap.Strings("topics", c.config.Topics),
		zap.String("group", c.config.GroupID))
}

// Stop stops polling, commits marked offsets and closes the client.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

// Ping checks broker connectivity.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.recordError()
		})

		fetches.EachRecord(c.processRecord)
	}
}

// processRecord commits record only once it was handled or dead-lettered.
// A record that is not finished when the consumer stops stays uncommitted,
// and so does every record after it in the poll.
func (c *Consumer) processRecord(record *kgo.Record) {
	if c.ctx.Err() != nil {
		return
	}

	ctx := ExtractTrace(c.ctx, record)
	ctx, span := c.tracer.Start(ctx, "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", record.Topic),
			attribute.Int64("messaging.kafka.destination.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.message.offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   HeaderMap(record),
		Timestamp: record.Timestamp,
	}

	err := c.retry(ctx, msg, "message handler failed", func() error { return c.handler(ctx, msg) })
	switch {
	case err == nil:
		c.recordRead(len(record.Value))
	case !idempotency.IsTerminal(err):
		span.RecordError(err)
		c.logger.Warn("record left uncommitted",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return
	case c.config.DeadLetterTopic == "":
		span.RecordError(err)
		c.recordError()
		c.logger.Error("dropping terminally failed record",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
	default:
		span.RecordError(err)
		c.recordError()
		cause := err
		if err := c.retry(ctx, msg, "failed to dead-letter record", func() error {
			return c.deadLetter(ctx, record, cause)
		}); err != nil {
			c.logger.Warn("record left uncommitted",
				zap.Int64("offset", record.Offset),
				zap.Error(err))
			return
		}
	}

	if err := c.commit(ctx, record); err != nil {
		c.logger.Error("failed to commit offset",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
	}
}

// retry runs fn until it succeeds, fails terminally or ctx is done. The
// returned error is nil, terminal, or wraps the context error.
func (c *Consumer) retry(ctx context.Context, msg *ConsumedMessage, failure string, fn func() error) error {
	backoff := c.config.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || idempotency.IsTerminal(err) {
			return err
		}
		c.recordError()
		c.logger.Error(failure,
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
		backoff *= 2
		if c.config.MaxRetryBackoff > 0 && backoff > c.config.MaxRetryBackoff {
			backoff = c.config.MaxRetryBackoff
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, record *kgo.Record, cause error) error {
	dl := DeadLetterRecord(c.config.DeadLetterTopic, record, cause)
	InjectTrace(ctx, dl)
	if err := c.client.ProduceSync(ctx, dl).FirstErr(); err != nil {
		return err
	}
	c.mu.Lock()
	c.deadLettered++
	c.mu.Unlock()
	c.logger.Warn("record dead-lettered",
		zap.String("topic", record.Topic),
		zap.Int64("offset", record.Offset),
		zap.Error(cause))
	return nil
}

// DeadLetterRecord copies record to topic, keeping key, value and headers
// and adding the failure and origin as headers.
func DeadLetterRecord(topic string, record *kgo.Record, cause error) *kgo.Record {
	dl := &kgo.Record{
		Topic: topic,
		Key:   record.Key,
		Value: record.Value,
	}
	dl.Headers = append(dl.Headers, record.Headers...)
	carrier := RecordCarrier{Record: dl}
	carrier.Set(HeaderError, cause.Error())
	carrier.Set("original-topic", record.Topic)
	carrier.Set("original-partition", strconv.Itoa(int(record.Partition)))
	carrier.Set("original-offset", strconv.FormatInt(record.Offset, 10))
	return dl
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead int64
	BytesRead    int64
	ErrorCount   int64
	DeadLettered int64
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStats{
		MessagesRead: c.messagesRead,
		BytesRead:    c.bytesRead,
		ErrorCount:   c.errorCount,
		DeadLettered: c.deadLettered,
	}
}

func (c *Consumer) recordRead(bytes int) {
	c.mu.Lock()
	c.messagesRead++
	c.bytesRead += int64(bytes)
	c.mu.Unlock()
	if c.consumed != nil {
		c.consumed.Inc()
	}
}

func (c *Consumer) recordError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}
