// Package eventsdb persists the append-only event log in Postgres.
package eventsdb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"orderflow/internal/eventstore"
)

const uniqueViolation = "23505"

// EventStore is the Postgres event log. Rows are never updated or deleted.
type EventStore struct {
	db *sql.DB
}

// NewEventStore constructs an EventStore backed by Postgres.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// NewEventStoreWithSchema initializes the schema then returns the store.
func NewEventStoreWithSchema(ctx context.Context, db *sql.DB) (*EventStore, error) {
	store := NewEventStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the event log table if it does not exist. The
// (aggregate_id, version) uniqueness is what turns a concurrent append into
// a version conflict instead of a silent overwrite.
func (s *EventStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS event_store (
			id TEXT PRIMARY KEY,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			metadata JSONB,
			version INTEGER NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			causation_id TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL,
			UNIQUE (aggregate_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS event_store_correlation_idx ON event_store (correlation_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *EventStore) Append(ctx context.Context, rec eventstore.Record) error {
	var metadata any
	if len(rec.Metadata) > 0 {
		metadata = []byte(rec.Metadata)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_store (id, aggregate_id, aggregate_type, event_type, payload, metadata, version, correlation_id, causation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.AggregateID, rec.AggregateType, rec.EventType, []byte(rec.Payload),
		metadata, rec.Version, rec.CorrelationID, rec.CausationID, rec.OccurredAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return eventstore.ErrVersionConflict
		}
		return err
	}
	return nil
}

// ByAggregate returns the aggregate's records in version order.
func (s *EventStore) ByAggregate(ctx context.Context, aggregateID string) ([]eventstore.Record, error) {
	return s.query(ctx, selectRecord+` WHERE aggregate_id = $1 ORDER BY version`, aggregateID)
}

// ByCorrelation returns every record of a business transaction in time order.
func (s *EventStore) ByCorrelation(ctx context.Context, correlationID string) ([]eventstore.Record, error) {
	return s.query(ctx, selectRecord+` WHERE correlation_id = $1 ORDER BY occurred_at`, correlationID)
}

func (s *EventStore) LatestVersion(ctx context.Context, aggregateID string) (int, error) {
	var version int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM event_store WHERE aggregate_id = $1`, aggregateID)
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *EventStore) query(ctx context.Context, query string, args ...any) ([]eventstore.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventstore.Record
	for rows.Next() {
		var rec eventstore.Record
		var payload, metadata []byte
		if err := rows.Scan(&rec.ID, &rec.AggregateID, &rec.AggregateType, &rec.EventType, &payload,
			&metadata, &rec.Version, &rec.CorrelationID, &rec.CausationID, &rec.OccurredAt); err != nil {
			return nil, err
		}
		rec.Payload = payload
		rec.Metadata = metadata
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectRecord = `
	SELECT id, aggregate_id, aggregate_type, event_type, payload, metadata, version, correlation_id, causation_id, occurred_at
	FROM event_store`
