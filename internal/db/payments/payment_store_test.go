package paymentsdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"orderflow/internal/payments"
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

var paymentColumns = []string{"id", "order_id", "user_id", "amount", "status", "transaction_id", "failure_reason", "created_at", "updated_at"}

func TestPaymentStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS payments_order_id_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewPaymentStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestPaymentStore_InsertAndUpdate(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewPaymentStore(db)
	now := time.Now()
	p := payments.Payment{ID: "p1", OrderID: "o1", UserID: "u1", Amount: 42, Status: payments.StatusProcessing, CreatedAt: now, UpdatedAt: now}
	if err := store.Insert(context.Background(), p); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	p.Status = payments.StatusCompleted
	p.TransactionID = "ext_tx_1"
	if err := store.Update(context.Background(), p); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestPaymentStore_Update_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE payments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewPaymentStore(db)
	err := store.Update(context.Background(), payments.Payment{ID: "missing"})
	if !errors.Is(err, payments.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestPaymentStore_FindByOrder(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now()
	mock.ExpectQuery("SELECT id, order_id, user_id").
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow("p1", "o1", "u1", 42.0, "COMPLETED", "ext_tx_1", "", now, now))
	mock.ExpectClose()

	store := NewPaymentStore(db)
	p, err := store.FindByOrder(context.Background(), "o1")
	if err != nil {
		t.Fatalf("FindByOrder: %v", err)
	}
	if p.Status != payments.StatusCompleted || p.TransactionID != "ext_tx_1" {
		t.Fatalf("unexpected payment: %+v", p)
	}
}

func TestPaymentStore_FindByID_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, order_id, user_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(paymentColumns))
	mock.ExpectClose()

	store := NewPaymentStore(db)
	if _, err := store.FindByID(context.Background(), "missing"); !errors.Is(err, payments.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}
