package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/navapbc/go-piqi/pkg/circuitbreaker"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL for the job event, outbox and inbox tables.
func Schema() string { return schema }

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db Execer) error {
	_, err := db.Exec(ctx, schema)
	return err
}

// Connect opens a pool and pings it.
func Connect(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// BreakerPublisher sends every publish through a circuit breaker.
type BreakerPublisher struct {
	Next    Publisher
	Breaker *circuitbreaker.CircuitBreaker
}

// Publish implements Publisher.
func (p BreakerPublisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	return p.Breaker.Run(ctx, func() error {
		return p.Next.Publish(ctx, topic, key, value, headers)
	})
}
