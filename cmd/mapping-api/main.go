// Package main provides the mapping API service entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/navapbc/go-piqi/internal/api/handlers"
	"github.com/navapbc/go-piqi/internal/api/middleware"
	"github.com/navapbc/go-piqi/internal/config"
	"github.com/navapbc/go-piqi/internal/domain/mapping"
	"github.com/navapbc/go-piqi/internal/infrastructure/postgres"
	"github.com/navapbc/go-piqi/internal/mapper"
	"github.com/navapbc/go-piqi/internal/observability/logging"
	"github.com/navapbc/go-piqi/internal/observability/metrics"
	"github.com/navapbc/go-piqi/internal/observability/tracing"
	"go.uber.org/zap"
)

const serviceName = "mapping-api"

var version = "dev"

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
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, 0)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	fhirVersion, err := mapper.ParseFHIRVersion(cfg.FHIRVersion)
	if err != nil {
		logger.Fatal("invalid FHIR version", zap.Error(err))
	}
	traversal, err := mapper.ParseTraversal(cfg.LabTraversal)
	if err != nil {
		logger.Fatal("invalid lab traversal", zap.Error(err))
	}

	registry := mapper.NewRegistry(logger, mapper.WithLabTraversal(traversal))
	repo := mapping.NewRepository(pool, logger)
	svc := mapping.NewService(registry, logger,
		mapping.WithStore(repo, mapping.Topics{Messages: cfg.ResultTopic, Events: cfg.EventTopic}),
		mapping.WithMetrics(m),
		mapping.WithDefaultVersion(fhirVersion),
	)
	mappingHandler := handlers.NewMappingHandler(svc, cfg.MaxBundleBytes, logger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Health check (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware(cfg))
		r.Use(middleware.BodyLimit(cfg.MaxBundleBytes))
		r.Mount("/mappings", mappingHandler.Routes())
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting mapping API",
		zap.String("port", cfg.Port),
		zap.String("auth_mode", cfg.AuthMode),
		zap.String("fhir_version", string(fhirVersion)),
		zap.String("traversal", string(traversal)))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func authMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		return middleware.BearerAuth(middleware.JWTConfig{
			SigningKey: []byte(cfg.JWTSigningKey),
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     30 * time.Second,
		})
	case config.AuthModeNone:
		return middleware.NoAuth
	default:
		return middleware.APIKeyAuth(cfg.APIKeyClients())
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":%q}`, serviceName, version)
}
