// Package sagadb persists saga instances in Postgres.
package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"orderflow/internal/saga"
)

const uniqueViolation = "23505"

const (
	stepKindCompleted    = "completed"
	stepKindCompensation = "compensation"
)

// SagaStore persists saga instances and their step history in Postgres.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist. The (saga_type,
// correlation_id) uniqueness backstops the creation lock.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS saga_instances (
			id TEXT PRIMARY KEY,
			saga_type TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			data JSONB NOT NULL,
			current_step TEXT NOT NULL DEFAULT '',
			failed_step TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (saga_type, correlation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS saga_steps (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (saga_id) REFERENCES saga_instances(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS saga_instances_status_idx ON saga_instances (status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *SagaStore) Create(ctx context.Context, inst saga.Instance) error {
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal saga data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_instances (id, saga_type, correlation_id, status, data, current_step, failed_step, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.ID, inst.Type, inst.CorrelationID, string(inst.Status), data,
		inst.CurrentStep, inst.FailedStep, inst.ErrorMessage, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return saga.ErrCorrelationTaken
		}
		return err
	}
	return nil
}

func (s *SagaStore) FindByID(ctx context.Context, id string) (saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, selectInstance+` WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err != nil {
		return saga.Instance{}, err
	}
	if err := s.loadSteps(ctx, &inst); err != nil {
		return saga.Instance{}, err
	}
	return inst, nil
}

func (s *SagaStore) FindByCorrelation(ctx context.Context, sagaType, correlationID string) (saga.Instance, bool, error) {
	row := s.db.QueryRowContext(ctx, selectInstance+` WHERE saga_type = $1 AND correlation_id = $2`, sagaType, correlationID)
	inst, err := scanInstance(row)
	if errors.Is(err, saga.ErrSagaNotFound) {
		return saga.Instance{}, false, nil
	}
	if err != nil {
		return saga.Instance{}, false, err
	}
	if err := s.loadSteps(ctx, &inst); err != nil {
		return saga.Instance{}, false, err
	}
	return inst, true, nil
}

func (s *SagaStore) SetCurrentStep(ctx context.Context, id, step string) error {
	return s.update(ctx, `UPDATE saga_instances SET current_step = $2, updated_at = NOW() WHERE id = $1`, id, step)
}

func (s *SagaStore) AppendCompletedStep(ctx context.Context, id, step string) error {
	return s.appendStep(ctx, id, stepKindCompleted, step)
}

func (s *SagaStore) AppendCompensationStep(ctx context.Context, id, action string) error {
	return s.appendStep(ctx, id, stepKindCompensation, action)
}

func (s *SagaStore) UpdateStatus(ctx context.Context, id string, status saga.Status) error {
	return s.update(ctx, `UPDATE saga_instances SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
}

// MarkCompensating records the failure under a row lock so the status, failed
// step and error land as one transition.
func (s *SagaStore) MarkCompensating(ctx context.Context, id, failedStep, errorMessage string) error {
	return s.transition(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE saga_instances
			SET status = $2, failed_step = $3, error_message = $4, updated_at = NOW()
			WHERE id = $1`,
			id, string(saga.StatusCompensating), failedStep, errorMessage,
		)
		return err
	})
}

// MarkFailed records terminal compensation failure under a row lock.
func (s *SagaStore) MarkFailed(ctx context.Context, id, errorMessage string) error {
	return s.transition(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE saga_instances
			SET status = $2, error_message = $3, updated_at = NOW()
			WHERE id = $1`,
			id, string(saga.StatusFailed), errorMessage,
		)
		return err
	})
}

func (s *SagaStore) ByStatus(ctx context.Context, status saga.Status) ([]saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, selectInstance+` WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := s.loadSteps(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SagaStore) transition(ctx context.Context, id string, apply func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	row := tx.QueryRowContext(ctx, `SELECT status FROM saga_instances WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.ErrSagaNotFound
		}
		return err
	}

	if err := apply(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SagaStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrSagaNotFound
	}
	return nil
}

func (s *SagaStore) appendStep(ctx context.Context, id, kind, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_steps (saga_id, kind, name)
		VALUES ($1, $2, $3)`,
		id, kind, name,
	)
	return err
}

func (s *SagaStore) loadSteps(ctx context.Context, inst *saga.Instance) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, name FROM saga_steps
		WHERE saga_id = $1
		ORDER BY id`,
		inst.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var kind, name string
		if err := rows.Scan(&kind, &name); err != nil {
			return err
		}
		switch kind {
		case stepKindCompleted:
			inst.CompletedSteps = append(inst.CompletedSteps, name)
		case stepKindCompensation:
			inst.CompensationSteps = append(inst.CompensationSteps, name)
		}
	}
	return rows.Err()
}

const selectInstance = `
	SELECT id, saga_type, correlation_id, status, data, current_step, failed_step, error_message, created_at, updated_at
	FROM saga_instances`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (saga.Instance, error) {
	var inst saga.Instance
	var status string
	var data []byte
	err := row.Scan(&inst.ID, &inst.Type, &inst.CorrelationID, &status, &data,
		&inst.CurrentStep, &inst.FailedStep, &inst.ErrorMessage, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Instance{}, saga.ErrSagaNotFound
	}
	if err != nil {
		return saga.Instance{}, err
	}
	if err := json.Unmarshal(data, &inst.Data); err != nil {
		return saga.Instance{}, fmt.Errorf("unmarshal saga data: %w", err)
	}
	inst.Status = saga.Status(status)
	return inst, nil
}
