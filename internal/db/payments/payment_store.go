// Package paymentsdb persists payment aggregates in Postgres.
package paymentsdb

import (
	"context"
	"database/sql"
	"errors"

	"orderflow/internal/payments"
)

// PaymentStore persists payments in Postgres.
type PaymentStore struct {
	db *sql.DB
}

// NewPaymentStore constructs a PaymentStore backed by Postgres.
func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// NewPaymentStoreWithSchema initializes the schema then returns the store.
func NewPaymentStoreWithSchema(ctx context.Context, db *sql.DB) (*PaymentStore, error) {
	store := NewPaymentStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the payments table if it does not exist.
func (s *PaymentStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			transaction_id TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS payments_order_id_idx ON payments (order_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *PaymentStore) Insert(ctx context.Context, p payments.Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, user_id, amount, status, transaction_id, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.OrderID, p.UserID, p.Amount, string(p.Status), p.TransactionID, p.FailureReason, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PaymentStore) Update(ctx context.Context, p payments.Payment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, transaction_id = $3, failure_reason = $4, updated_at = $5
		WHERE id = $1`,
		p.ID, string(p.Status), p.TransactionID, p.FailureReason, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return payments.ErrPaymentNotFound
	}
	return nil
}

func (s *PaymentStore) FindByID(ctx context.Context, id string) (payments.Payment, error) {
	row := s.db.QueryRowContext(ctx, selectPayment+` WHERE id = $1`, id)
	return scanPayment(row)
}

// FindByOrder returns the most recent payment recorded for the order.
func (s *PaymentStore) FindByOrder(ctx context.Context, orderID string) (payments.Payment, error) {
	row := s.db.QueryRowContext(ctx, selectPayment+` WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID)
	return scanPayment(row)
}

const selectPayment = `
	SELECT id, order_id, user_id, amount, status, transaction_id, failure_reason, created_at, updated_at
	FROM payments`

func scanPayment(row *sql.Row) (payments.Payment, error) {
	var p payments.Payment
	var status string
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &status, &p.TransactionID, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return payments.Payment{}, payments.ErrPaymentNotFound
	}
	if err != nil {
		return payments.Payment{}, err
	}
	p.Status = payments.Status(status)
	return p, nil
}
