package eventsdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"orderflow/internal/eventstore"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

var recordColumns = []string{"id", "aggregate_id", "aggregate_type", "event_type", "payload", "metadata", "version", "correlation_id", "causation_id", "occurred_at"}

func TestEventStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS event_store").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS event_store_correlation_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewEventStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestEventStore_Append(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO event_store").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewEventStore(db)
	err := store.Append(context.Background(), eventstore.Record{
		ID:            "e1",
		AggregateID:   "o1",
		AggregateType: "Order",
		EventType:     "OrderCreated",
		Payload:       []byte(`{"orderId":"o1"}`),
		Version:       1,
		CorrelationID: "corr-1",
		OccurredAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestEventStore_Append_VersionConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO event_store").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "event_store_aggregate_id_version_key"})
	mock.ExpectClose()

	store := NewEventStore(db)
	err := store.Append(context.Background(), eventstore.Record{ID: "e1", AggregateID: "o1", Version: 1, Payload: []byte(`{}`)})
	if !errors.Is(err, eventstore.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestEventStore_ByAggregate_VersionOrder(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now()
	mock.ExpectQuery("SELECT id, aggregate_id, aggregate_type").
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("e1", "o1", "Order", "OrderCreated", []byte(`{}`), nil, 1, "corr-1", "", now).
			AddRow("e2", "o1", "Order", "OrderConfirmed", []byte(`{}`), nil, 2, "corr-1", "e1", now))
	mock.ExpectClose()

	store := NewEventStore(db)
	records, err := store.ByAggregate(context.Background(), "o1")
	if err != nil {
		t.Fatalf("ByAggregate: %v", err)
	}
	if len(records) != 2 || records[0].Version != 1 || records[1].Version != 2 {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[1].CausationID != "e1" {
		t.Fatalf("causation id not round-tripped: %+v", records[1])
	}
}

func TestEventStore_LatestVersion_EmptyAggregate(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("fresh").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectClose()

	store := NewEventStore(db)
	version, err := store.LatestVersion(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if version != 0 {
		t.Fatalf("expected version 0, got %d", version)
	}
}
