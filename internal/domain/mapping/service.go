package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/navapbc/go-piqi/internal/fhir/r4"
	"github.com/navapbc/go-piqi/internal/infrastructure/postgres"
	"github.com/navapbc/go-piqi/internal/mapper"
	"github.com/navapbc/go-piqi/internal/observability/metrics"
	"github.com/navapbc/go-piqi/internal/piqi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Sources of inbound bundles.
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
	SourceCLI   = "cli"
)

// Topics names the outbox destinations.
type Topics struct {
	Messages string
	Events   string
}

// Input is one bundle to map.
type Input struct {
	Payload []byte
	// Version is a FHIR release or version number; empty uses the default.
	Version string
	// Outputs are output type names; empty maps every supported output.
	Outputs       []string
	Traversal     string
	Source        string
	CorrelationID string
	// Digest identifies the payload for deduplication; optional.
	Digest string
}

// Result is a finished job. JobID is set whenever a job was recorded,
// including failed ones.
type Result struct {
	JobID   string
	Message *piqi.Message
}

// Service decodes bundles, dispatches them through the registry and
// records each call as a job.
type Service struct {
	registry       *mapper.Registry
	store          Store
	metrics        *metrics.Metrics
	logger         *zap.Logger
	tracer         trace.Tracer
	topics         Topics
	defaultVersion mapper.FHIRVersion
	now            func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithStore persists jobs and queues results through the outbox.
func WithStore(store Store, topics Topics) ServiceOption {
	return func(s *Service) {
		s.store = store
		s.topics = topics
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithDefaultVersion sets the version used when Input.Version is empty.
func WithDefaultVersion(v mapper.FHIRVersion) ServiceOption {
	return func(s *Service) { s.defaultVersion = v }
}

// NewService creates a service around registry. Without WithStore jobs are
// kept in memory only for the duration of the call.
func NewService(registry *mapper.Registry, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		registry:       registry,
		logger:         logger,
		tracer:         otel.Tracer("mapping-service"),
		defaultVersion: mapper.FHIRVersionR4,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Map runs one bundle through the registry. Mapping failures are returned
// as *mapper.MapError; when a store is configured the failure is also
// recorded on the job.
func (s *Service) Map(ctx context.Context, in Input) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "mapping.map",
		trace.WithAttributes(
			attribute.String("mapping.source", in.Source),
			attribute.Int("mapping.payload_bytes", len(in.Payload)),
		))
	defer span.End()

	start := s.now()
	if s.metrics != nil {
		s.metrics.BundlesReceived.Inc()
		s.metrics.InFlightMappings.Inc()
		defer s.metrics.InFlightMappings.Dec()
	}

	job := NewJob(uuid.New().String())
	span.SetAttributes(attribute.String("mapping.job_id", job.ID()))
	logger := s.logger.With(zap.String("job_id", job.ID()), zap.String("correlation_id", in.CorrelationID))

	req, parseErr := s.parse(ctx, in)

	bundleID := ""
	if req.Bundle != nil {
		bundleID = req.Bundle.ID
	}
	if err := job.Receive(&BundleReceivedData{
		BundleID:    bundleID,
		Digest:      in.Digest,
		FHIRVersion: string(req.Version),
		Outputs:     outputNames(req.Outputs),
		Traversal:   string(req.Traversal),
		Source:      in.Source,
		SizeBytes:   len(in.Payload),
		ReceivedAt:  start.UTC(),
	}); err != nil {
		return nil, err
	}

	if parseErr != nil {
		return s.fail(ctx, span, logger, job, in.CorrelationID, parseErr)
	}

	_, mapSpan := s.tracer.Start(ctx, "mapping.dispatch")
	msg, err := s.registry.MapRequest(req)
	mapSpan.End()
	if err != nil {
		return s.fail(ctx, span, logger, job, in.CorrelationID, err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return s.fail(ctx, span, logger, job, in.CorrelationID, fmt.Errorf("encode message: %w", err))
	}

	elapsed := s.now().Sub(start)
	if err := job.MarkMapped(&BundleMappedData{
		MessageID:       msg.ID,
		HasDemographics: msg.Demographics != nil,
		LabResults:      len(msg.LabResults),
		DurationMS:      elapsed.Milliseconds(),
		Message:         body,
		MappedAt:        msg.MappedAt,
	}); err != nil {
		return nil, err
	}

	if s.store != nil {
		if err := job.MarkPublished(s.topics.Messages, s.now().UTC()); err != nil {
			return nil, err
		}
		correlate(job, in.CorrelationID)

		outbox := append([]*postgres.OutboxEntry{s.messageEntry(job, msg, body)}, s.eventEntries(job)...)
		if err := s.store.Save(ctx, job, outbox...); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist job")
			return nil, fmt.Errorf("save job: %w", err)
		}
	}

	s.observe(req, msg, elapsed)
	span.SetAttributes(
		attribute.String("mapping.bundle_id", msg.BundleID),
		attribute.Int("mapping.lab_results", len(msg.LabResults)),
	)
	logger.Info("bundle mapped",
		zap.String("bundle_id", msg.BundleID),
		zap.String("message_id", msg.ID),
		zap.Bool("demographics", msg.Demographics != nil),
		zap.Int("lab_results", len(msg.LabResults)),
		zap.Duration("duration", elapsed))

	return &Result{JobID: job.ID(), Message: msg}, nil
}

// parse resolves the request. The returned request carries whatever was
// parsed before the first error so it can be recorded on the job.
func (s *Service) parse(ctx context.Context, in Input) (mapper.Request, error) {
	var req mapper.Request

	req.Version = s.defaultVersion
	if in.Version != "" {
		v, err := mapper.ParseFHIRVersion(in.Version)
		if err != nil {
			return req, err
		}
		req.Version = v
	}

	for _, name := range in.Outputs {
		o, err := mapper.ParseOutputType(name)
		if err != nil {
			return req, err
		}
		req.Outputs = append(req.Outputs, o)
	}

	t, err := mapper.ParseTraversal(in.Traversal)
	if err != nil {
		return req, err
	}
	req.Traversal = t
	if req.Traversal == "" {
		req.Traversal = s.registry.Traversal()
	}

	_, span := s.tracer.Start(ctx, "mapping.decode")
	defer span.End()
	bundle, err := r4.DecodeBundle(in.Payload)
	if err != nil {
		span.RecordError(err)
		return req, &mapper.MapError{Field: "bundle", Code: mapper.CodeInvalidBundle, Message: "cannot decode FHIR bundle", Cause: err}
	}
	req.Bundle = bundle
	return req, nil
}

func (s *Service) fail(ctx context.Context, span trace.Span, logger *zap.Logger, job *Job, correlationID string, cause error) (*Result, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	data := &MappingFailedData{
		Code:     "INTERNAL",
		Reason:   cause.Error(),
		FailedAt: s.now().UTC(),
	}
	var mapErr *mapper.MapError
	if errors.As(cause, &mapErr) {
		data.Code = mapErr.Code
		data.Field = mapErr.Field
		data.Terminal = mapErr.Terminal()
	}
	if s.metrics != nil {
		s.metrics.BundlesFailed.WithLabelValues(data.Code).Inc()
	}
	logger.Warn("bundle mapping failed", zap.String("code", data.Code), zap.Error(cause))

	if err := job.MarkFailed(data); err != nil {
		return nil, errors.Join(cause, err)
	}
	correlate(job, correlationID)

	if s.store != nil {
		if err := s.store.Save(ctx, job, s.eventEntries(job)...); err != nil {
			logger.Error("failed to record job failure", zap.Error(err))
			return nil, errors.Join(cause, fmt.Errorf("save job: %w", err))
		}
	}
	return &Result{JobID: job.ID()}, cause
}

func (s *Service) observe(req mapper.Request, msg *piqi.Message, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.BundlesMapped.Inc()
	s.metrics.MappingDuration.Observe(elapsed.Seconds())
	s.metrics.LabResultsEmitted.WithLabelValues(string(req.Traversal)).Add(float64(len(msg.LabResults)))
	if msg.Demographics == nil && wantsOutput(req.Outputs, mapper.OutputDemographics) {
		s.metrics.DemographicsMissing.Inc()
	}
}

func correlate(job *Job, correlationID string) {
	for _, e := range job.Changes() {
		e.WithCorrelation(e.BundleID, correlationID)
	}
}

func (s *Service) messageEntry(job *Job, msg *piqi.Message, body []byte) *postgres.OutboxEntry {
	key := msg.BundleID
	if key == "" {
		key = job.ID()
	}
	return &postgres.OutboxEntry{
		AggregateID:   job.ID(),
		AggregateType: AggregateType,
		EventType:     "PIQIMessage",
		Payload:       body,
		Headers: map[string]string{
			"bundle-id":    msg.BundleID,
			"fhir-version": msg.FHIRVersion,
		},
		KafkaTopic: s.topics.Messages,
		KafkaKey:   key,
	}
}

// eventEntries copies the job's pending events to the events topic. The
// mapped message is dropped from BundleMapped copies since it travels on
// the messages topic.
func (s *Service) eventEntries(job *Job) []*postgres.OutboxEntry {
	if s.topics.Events == "" {
		return nil
	}
	entries := make([]*postgres.OutboxEntry, 0, len(job.Changes()))
	for _, e := range job.Changes() {
		payload, err := json.Marshal(eventForTopic(e))
		if err != nil {
			s.logger.Error("failed to encode event", zap.String("event_type", string(e.EventType)), zap.Error(err))
			continue
		}
		entries = append(entries, &postgres.OutboxEntry{
			AggregateID:   job.ID(),
			AggregateType: AggregateType,
			EventType:     string(e.EventType),
			Payload:       payload,
			Headers:       map[string]string{"bundle-id": e.BundleID},
			KafkaTopic:    s.topics.Events,
			KafkaKey:      job.ID(),
		})
	}
	return entries
}

func eventForTopic(e *Event) *Event {
	if e.EventType != EventBundleMapped {
		return e
	}
	var data BundleMappedData
	if json.Unmarshal(e.EventData, &data) != nil {
		return e
	}
	data.Message = nil
	stripped, err := json.Marshal(data)
	if err != nil {
		return e
	}
	out := *e
	out.EventData = stripped
	return &out
}

// Job loads a recorded job.
func (s *Service) Job(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.store.Load(ctx, id)
}

// Events returns a recorded job's history.
func (s *Service) Events(ctx context.Context, id string) ([]*Event, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	events, err := s.store.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return events, nil
}

func outputNames(outputs []mapper.OutputType) []string {
	names := make([]string, 0, len(outputs))
	for _, o := range outputs {
		names = append(names, string(o))
	}
	return names
}

func wantsOutput(outputs []mapper.OutputType, want mapper.OutputType) bool {
	if len(outputs) == 0 {
		return true
	}
	for _, o := range outputs {
		if o == want {
			return true
		}
	}
	return false
}
