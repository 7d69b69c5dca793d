// Package ordersdb persists order aggregates in Postgres.
package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"orderflow/internal/orders"
)

const uniqueViolation = "23505"

// OrderStore persists orders in Postgres.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist. The partial
// unique index on dedup_key is the storage half of the duplicate guard.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			items JSONB NOT NULL,
			shipping_address TEXT NOT NULL DEFAULT '',
			total_amount DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			dedup_key TEXT,
			payment_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS orders_dedup_key_idx
			ON orders (dedup_key) WHERE dedup_key <> ''`,
		`CREATE INDEX IF NOT EXISTS orders_user_id_idx ON orders (user_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *OrderStore) Insert(ctx context.Context, o orders.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, items, shipping_address, total_amount, status, dedup_key, payment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.UserID, items, o.ShippingAddress, o.TotalAmount, string(o.Status), o.DedupKey, o.PaymentID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return orders.ErrDedupKeyTaken
		}
		return err
	}
	return nil
}

func (s *OrderStore) Update(ctx context.Context, o orders.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, payment_id = $3, updated_at = $4
		WHERE id = $1`,
		o.ID, string(o.Status), o.PaymentID, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return orders.ErrOrderNotFound
	}
	return nil
}

func (s *OrderStore) FindByID(ctx context.Context, id string) (orders.Order, error) {
	row := s.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return order, err
}

func (s *OrderStore) FindByDedupKey(ctx context.Context, key string) (orders.Order, bool, error) {
	row := s.db.QueryRowContext(ctx, selectOrder+` WHERE dedup_key = $1`, key)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, err
	}
	return order, true, nil
}

func (s *OrderStore) FindByUser(ctx context.Context, userID string) ([]orders.Order, error) {
	rows, err := s.db.QueryContext(ctx, selectOrder+` WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

const selectOrder = `
	SELECT id, user_id, items, shipping_address, total_amount, status, dedup_key, payment_id, created_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (orders.Order, error) {
	var o orders.Order
	var items []byte
	var status string
	if err := row.Scan(&o.ID, &o.UserID, &items, &o.ShippingAddress, &o.TotalAmount, &status, &o.DedupKey, &o.PaymentID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return orders.Order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return orders.Order{}, fmt.Errorf("unmarshal items: %w", err)
	}
	o.Status = orders.Status(status)
	return o, nil
}
