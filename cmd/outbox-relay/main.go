// Package main provides the outbox relay service entry point.
// Publishes committed outbox rows to Kafka behind a circuit breaker.
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
	"github.com/navapbc/go-piqi/internal/infrastructure/postgres"
	"github.com/navapbc/go-piqi/internal/infrastructure/redpanda"
	"github.com/navapbc/go-piqi/internal/observability/logging"
	"github.com/navapbc/go-piqi/internal/observability/metrics"
	"github.com/navapbc/go-piqi/internal/observability/tracing"
	"github.com/navapbc/go-piqi/pkg/circuitbreaker"
	"go.uber.org/zap"
)

const (
	serviceName = "outbox-relay"

	cleanupInterval  = time.Hour
	processedRetains = 24 * time.Hour
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.LogLevel, cfg.LogFormat).With(zap.String("service", serviceName))
	defer logger.Sync()

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
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, 4)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	logger.Info("connected to database")

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, logger,
		redpanda.WithProducedCounter(m.KafkaMessagesProduced))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	breakerCfg := circuitbreaker.DefaultConfig("redpanda")
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Value())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	m.CircuitBreakerState.WithLabelValues(breaker.Name()).Set(breaker.State().Value())

	// Create outbox processor
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = cfg.DeadLetterTopic
	outbox := postgres.NewOutbox(pool,
		postgres.BreakerPublisher{Next: producer, Breaker: breaker},
		outboxCfg, logger,
		postgres.WithPendingGauge(m.OutboxPending))

	// Start processing
	outbox.Start()
	logger.Info("outbox relay started")

	go cleanupLoop(ctx, outbox, logger)

	server := opsServer(cfg.Port, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return producer.Ping(ctx)
	})
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	outbox.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	_ = server.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}

func cleanupLoop(ctx context.Context, outbox *postgres.Outbox, logger *zap.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := outbox.CleanupProcessed(ctx, processedRetains)
			if err != nil {
				logger.Error("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("cleaned up processed outbox entries", zap.Int64("count", n))
			}
		}
	}
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
