// Package main provides the mapping worker entry point.
// Consumes FHIR bundles from Kafka and maps each one exactly once.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/navapbc/go-piqi/internal/config"
	"github.com/navapbc/go-piqi/internal/domain/mapping"
	"github.com/navapbc/go-piqi/internal/infrastructure/postgres"
	"github.com/navapbc/go-piqi/internal/infrastructure/redpanda"
	"github.com/navapbc/go-piqi/internal/mapper"
	"github.com/navapbc/go-piqi/internal/observability/logging"
	"github.com/navapbc/go-piqi/internal/observability/metrics"
	"github.com/navapbc/go-piqi/internal/observability/tracing"
	"github.com/navapbc/go-piqi/internal/worker"
	"github.com/navapbc/go-piqi/pkg/idempotency"
	"github.com/navapbc/go-piqi/pkg/workerpool"
	"go.uber.org/zap"
)

const serviceName = "mapping-worker"

var version = "dev"

var errQueueFull = errors.New("worker queue near capacity")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.LogLevel, cfg.LogFormat).With(zap.String("service", serviceName))
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	m := metrics.New()

	// Connect to database
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, int32(cfg.Workers)+4)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	fhirVersion, err := mapper.ParseFHIRVersion(cfg.FHIRVersion)
	if err != nil {
		logger.Fatal("invalid FHIR version", zap.Error(err))
	}
	traversal, err := mapper.ParseTraversal(cfg.LabTraversal)
	if err != nil {
		logger.Fatal("invalid lab traversal", zap.Error(err))
	}

	svc := mapping.NewService(mapper.NewRegistry(logger, mapper.WithLabTraversal(traversal)), logger,
		mapping.WithStore(mapping.NewRepository(pool, logger), mapping.Topics{Messages: cfg.ResultTopic, Events: cfg.EventTopic}),
		mapping.WithMetrics(m),
		mapping.WithDefaultVersion(fhirVersion),
	)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	if n, err := inbox.RecoverStale(ctx); err != nil {
		logger.Warn("inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	// Create worker pool
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers
	poolCfg.QueueSize = cfg.QueueSize

	w, err := worker.New(svc, inbox, poolCfg, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	w.Start()

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Topics = []string{cfg.BundleTopic}
	consumerCfg.DeadLetterTopic = cfg.DeadLetterTopic

	consumer, err := redpanda.NewConsumer(consumerCfg, w.Handle, logger,
		redpanda.WithConsumedCounter(m.KafkaMessagesConsumed))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	server := opsServer(cfg.Port, func(ctx context.Context) error {
		if !w.Healthy() {
			return errQueueFull
		}
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return consumer.Ping(ctx)
	})
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	consumer.Start()
	logger.Info("mapping worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.BundleTopic),
		zap.Int("workers", cfg.Workers))

	<-ctx.Done()

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if err := w.Stop(); err != nil {
		logger.Error("worker pool stop failed", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	stats := w.Stats()
	logger.Info("mapping worker stopped",
		zap.Int64("completed", stats.TasksCompleted),
		zap.Int64("failed", stats.TasksFailed))
}

// opsServer serves health, readiness and metrics.
func opsServer(port string, ready func(context.Context) error) *http.Server {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":%q}`, serviceName, version)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	return &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
