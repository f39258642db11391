package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/navapbc/go-piqi/internal/infrastructure/postgres"
	"go.uber.org/zap"
)

// ErrJobNotFound is returned when no events exist for a job id.
var ErrJobNotFound = errors.New("mapping job not found")

// Store persists jobs. Save writes the job's uncommitted events and the
// outbox entries atomically.
type Store interface {
	Save(ctx context.Context, job *Job, outbox ...*postgres.OutboxEntry) error
	Load(ctx context.Context, id string) (*Job, error)
	GetEvents(ctx context.Context, id string) ([]*Event, error)
}

// Repository is the Postgres event store for jobs.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Save appends the job's new events and writes the outbox entries in one
// transaction, then clears the job's pending changes.
func (r *Repository) Save(ctx context.Context, job *Job, outbox ...*postgres.OutboxEntry) error {
	changes := job.Changes()
	if len(changes) == 0 && len(outbox) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, event := range changes {
		event.Version = job.Version() - len(changes) + i + 1
		if err := insertEvent(ctx, tx, event); err != nil {
			return fmt.Errorf("insert %s: %w", event.EventType, err)
		}
	}
	for _, entry := range outbox {
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("job saved",
		zap.String("job_id", job.ID()),
		zap.Int("events", len(changes)),
		zap.Int("outbox", len(outbox)))
	job.ClearChanges()
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO mapping_events
		(event_id, aggregate_id, event_type, event_data, version, bundle_id, correlation_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.BundleID,
		event.CorrelationID,
		event.Timestamp,
	)
	return err
}

// Load rebuilds a job from its events.
func (r *Repository) Load(ctx context.Context, id string) (*Job, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	job := NewJob(id)
	job.LoadFromHistory(events)
	return job, nil
}

// GetEvents returns a job's events in version order.
func (r *Repository) GetEvents(ctx context.Context, id string) ([]*Event, error) {
	query := `
		SELECT event_id::text, aggregate_id::text, event_type, event_data, version,
		       timestamp, bundle_id, correlation_id
		FROM mapping_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// GetEventsByType returns the most recent events of one type.
func (r *Repository) GetEventsByType(ctx context.Context, eventType EventType, limit int) ([]*Event, error) {
	query := `
		SELECT event_id::text, aggregate_id::text, event_type, event_data, version,
		       timestamp, bundle_id, correlation_id
		FROM mapping_events
		WHERE event_type = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, eventType, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: AggregateType}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.BundleID, &e.CorrelationID,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
