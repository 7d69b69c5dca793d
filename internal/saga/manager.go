package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/events"
	"orderflow/internal/lock"
)

// Locker is the mutual-exclusion contract the manager needs. lock.Locker
// (Redis) and lock.LocalLocker (in-process) both satisfy it.
type Locker interface {
	WithLock(ctx context.Context, key string, opts lock.Options, fn func(ctx context.Context) error) error
}

// Compensation undoes one completed step. It returns the name of the
// compensation action taken, which is recorded on the instance.
type Compensation func(ctx context.Context, inst Instance) (string, error)

// Config wires a Manager. Zero lock options get the standard budgets: a short
// creation lock and a step lock generous enough to cover a step body.
type Config struct {
	Store     Store
	Locker    Locker
	Publisher events.Publisher
	Logf      func(format string, args ...any)
	NewID     func() string
	Now       func() time.Time

	CreationLock lock.Options
	StepLock     lock.Options
}

// Manager drives the generic saga lifecycle: locked idempotent start, locked
// idempotent step execution, completion, and reverse-order compensation.
type Manager struct {
	store Store
	lock  Locker
	pub   events.Publisher
	logf  func(format string, args ...any)
	newID func() string
	now   func() time.Time

	creationLock lock.Options
	stepLock     lock.Options

	compensations map[string]map[string]Compensation
}

// NewManager constructs a Manager from cfg.
func NewManager(cfg Config) *Manager {
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...any) {}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CreationLock == (lock.Options{}) {
		cfg.CreationLock = lock.Options{TTL: 30 * time.Second, RetryCount: 3, RetryDelay: 100 * time.Millisecond}
	}
	if cfg.StepLock == (lock.Options{}) {
		cfg.StepLock = lock.Options{TTL: 60 * time.Second, RetryCount: 2, RetryDelay: 200 * time.Millisecond}
	}
	return &Manager{
		store:         cfg.Store,
		lock:          cfg.Locker,
		pub:           cfg.Publisher,
		logf:          cfg.Logf,
		newID:         cfg.NewID,
		now:           cfg.Now,
		creationLock:  cfg.CreationLock,
		stepLock:      cfg.StepLock,
		compensations: make(map[string]map[string]Compensation),
	}
}

// RegisterCompensation installs the undo action for one (sagaType, step)
// pair. The handler table is built once at startup.
func (m *Manager) RegisterCompensation(sagaType, step string, fn Compensation) {
	byStep, ok := m.compensations[sagaType]
	if !ok {
		byStep = make(map[string]Compensation)
		m.compensations[sagaType] = byStep
	}
	byStep[step] = fn
}

// StartSaga creates a saga instance for (sagaType, correlationID), or returns
// the existing one unchanged. The creation lock is what keeps two concurrent
// deliveries of the same triggering event from creating two instances.
func (m *Manager) StartSaga(ctx context.Context, sagaType, correlationID string, data Data) (Instance, error) {
	key := fmt.Sprintf("saga_creation:%s:%s", sagaType, correlationID)

	var result Instance
	err := m.lock.WithLock(ctx, key, m.creationLock, func(ctx context.Context) error {
		existing, found, err := m.store.FindByCorrelation(ctx, sagaType, correlationID)
		if err != nil {
			return fmt.Errorf("saga lookup: %w", err)
		}
		if found {
			m.logf("saga: %s already started for correlation %s (%s)", sagaType, correlationID, existing.ID)
			result = existing
			return nil
		}

		now := m.now().UTC()
		inst := Instance{
			ID:            m.newID(),
			Type:          sagaType,
			CorrelationID: correlationID,
			Status:        StatusStarted,
			Data:          data,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := m.store.Create(ctx, inst); err != nil {
			return fmt.Errorf("create saga: %w", err)
		}
		m.logf("saga: started %s %s for correlation %s", sagaType, inst.ID, correlationID)

		m.publish(ctx, events.TypeSagaStarted, inst, events.SagaStarted{
			SagaID:        inst.ID,
			SagaType:      sagaType,
			CorrelationID: correlationID,
		})
		result = inst
		return nil
	})
	if err != nil {
		return Instance{}, err
	}
	return result, nil
}

// ExecuteStep runs the named step under a per-(sagaId, step) lock. A step
// already in the completed list is a no-op, which is what makes redelivered
// events safe. A body failure routes to HandleFailure and is reported back as
// the body's error so callers can skip follow-up work; by then compensation
// has already run.
func (m *Manager) ExecuteStep(ctx context.Context, sagaID, step string, body func(ctx context.Context) error) error {
	key := fmt.Sprintf("saga_step:%s:%s", sagaID, step)

	var stepErr error
	var handled bool
	lockErr := m.lock.WithLock(ctx, key, m.stepLock, func(ctx context.Context) error {
		inst, err := m.store.FindByID(ctx, sagaID)
		if err != nil {
			return err
		}
		if inst.StepCompleted(step) {
			m.logf("saga: %s step %s already completed, skipping", sagaID, step)
			return nil
		}
		if inst.Status != StatusStarted {
			m.logf("saga: %s is %s, not executing step %s", sagaID, inst.Status, step)
			return nil
		}

		if err := m.store.SetCurrentStep(ctx, sagaID, step); err != nil {
			return fmt.Errorf("set current step: %w", err)
		}

		if err := body(ctx); err != nil {
			stepErr = err
			handled = true
			return m.HandleFailure(ctx, inst, step, err.Error())
		}

		if err := m.store.AppendCompletedStep(ctx, sagaID, step); err != nil {
			return fmt.Errorf("append completed step: %w", err)
		}
		inst.CompletedSteps = append(inst.CompletedSteps, step)
		m.logf("saga: %s completed step %s", sagaID, step)

		m.publish(ctx, events.TypeSagaStepCompleted, inst, events.SagaStepCompleted{
			SagaID:         sagaID,
			StepName:       step,
			CompletedSteps: inst.CompletedSteps,
		})
		return nil
	})

	switch {
	case lockErr == nil:
		return stepErr
	case handled:
		// Failure handling itself broke; do not run it twice.
		return lockErr
	case errors.Is(lockErr, lock.ErrNotAcquired):
		// Losing the lock race counts as a step failure too.
		inst, err := m.store.FindByID(ctx, sagaID)
		if err != nil {
			return fmt.Errorf("step %s: %w", step, lockErr)
		}
		if failErr := m.HandleFailure(ctx, inst, step, lockErr.Error()); failErr != nil {
			return failErr
		}
		return lockErr
	default:
		return fmt.Errorf("step %s: %w", step, lockErr)
	}
}

// CompleteSaga marks the saga COMPLETED. Completing twice is a warned no-op.
func (m *Manager) CompleteSaga(ctx context.Context, sagaID string) error {
	inst, err := m.store.FindByID(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status == StatusCompleted {
		m.logf("saga: %s already completed", sagaID)
		return nil
	}

	if err := m.store.UpdateStatus(ctx, sagaID, StatusCompleted); err != nil {
		return fmt.Errorf("complete saga: %w", err)
	}
	inst.Status = StatusCompleted
	m.logf("saga: %s completed", sagaID)

	m.publish(ctx, events.TypeSagaCompleted, inst, events.SagaCompleted{
		SagaID:         sagaID,
		CorrelationID:  inst.CorrelationID,
		CompletedSteps: inst.CompletedSteps,
	})
	return nil
}

// HandleFailure transitions the saga to COMPENSATING and undoes the completed
// steps in reverse order. A clean run of compensations ends in COMPENSATED; a
// compensation failure ends in FAILED, which is terminal and needs a human.
func (m *Manager) HandleFailure(ctx context.Context, inst Instance, failedStep, errorMessage string) error {
	if err := m.store.MarkCompensating(ctx, inst.ID, failedStep, errorMessage); err != nil {
		return fmt.Errorf("mark compensating: %w", err)
	}
	m.logf("saga: %s failed at step %s: %s", inst.ID, failedStep, errorMessage)

	m.publish(ctx, events.TypeSagaFailed, inst, events.SagaFailed{
		SagaID:        inst.ID,
		CorrelationID: inst.CorrelationID,
		FailedStep:    failedStep,
		ErrorMessage:  errorMessage,
	})

	return m.compensate(ctx, inst)
}

func (m *Manager) compensate(ctx context.Context, inst Instance) error {
	byStep := m.compensations[inst.Type]

	var actions []string
	for i := len(inst.CompletedSteps) - 1; i >= 0; i-- {
		step := inst.CompletedSteps[i]
		fn, ok := byStep[step]
		if !ok {
			m.logf("saga: %s has no compensation for step %s", inst.ID, step)
			continue
		}

		action, err := fn(ctx, inst)
		if err != nil {
			if markErr := m.store.MarkFailed(ctx, inst.ID, err.Error()); markErr != nil {
				m.logf("saga: mark %s failed: %v", inst.ID, markErr)
			}
			m.logf("saga: %s compensation for step %s failed: %v", inst.ID, step, err)
			m.publish(ctx, events.TypeSagaCompensationFailed, inst, events.SagaCompensationFailed{
				SagaID:                     inst.ID,
				CorrelationID:              inst.CorrelationID,
				ErrorMessage:               err.Error(),
				RequiresManualIntervention: true,
			})
			return fmt.Errorf("compensate step %s: %w", step, err)
		}

		if err := m.store.AppendCompensationStep(ctx, inst.ID, action); err != nil {
			return fmt.Errorf("record compensation %s: %w", action, err)
		}
		actions = append(actions, action)
		m.logf("saga: %s compensated step %s (%s)", inst.ID, step, action)

		m.publish(ctx, events.TypeSagaStepCompensated, inst, events.SagaStepCompensated{
			SagaID:   inst.ID,
			StepName: step,
		})
	}

	if err := m.store.UpdateStatus(ctx, inst.ID, StatusCompensated); err != nil {
		return fmt.Errorf("mark compensated: %w", err)
	}
	m.logf("saga: %s compensated", inst.ID)

	m.publish(ctx, events.TypeSagaCompensated, inst, events.SagaCompensated{
		SagaID:            inst.ID,
		CorrelationID:     inst.CorrelationID,
		CompensationSteps: actions,
	})
	return nil
}

// MarkCompensated records a compensation action taken outside the automatic
// path and settles the saga as COMPENSATED.
func (m *Manager) MarkCompensated(ctx context.Context, sagaID, action string) error {
	inst, err := m.store.FindByID(ctx, sagaID)
	if err != nil {
		return err
	}

	if err := m.store.AppendCompensationStep(ctx, sagaID, action); err != nil {
		return fmt.Errorf("record compensation %s: %w", action, err)
	}
	if err := m.store.UpdateStatus(ctx, sagaID, StatusCompensated); err != nil {
		return fmt.Errorf("mark compensated: %w", err)
	}
	m.logf("saga: %s compensated directly (%s)", sagaID, action)

	m.publish(ctx, events.TypeSagaCompensated, inst, events.SagaCompensated{
		SagaID:            sagaID,
		CorrelationID:     inst.CorrelationID,
		CompensationSteps: append(append([]string(nil), inst.CompensationSteps...), action),
	})
	return nil
}

// FindByCorrelation exposes the store lookup for event handlers.
func (m *Manager) FindByCorrelation(ctx context.Context, sagaType, correlationID string) (Instance, bool, error) {
	return m.store.FindByCorrelation(ctx, sagaType, correlationID)
}

// GetSaga returns the instance by id.
func (m *Manager) GetSaga(ctx context.Context, id string) (Instance, error) {
	return m.store.FindByID(ctx, id)
}

// ByStatus lists instances in the given status, the maintenance view for
// finding sagas stuck in COMPENSATING or FAILED.
func (m *Manager) ByStatus(ctx context.Context, status Status) ([]Instance, error) {
	return m.store.ByStatus(ctx, status)
}

func (m *Manager) publish(ctx context.Context, eventType string, inst Instance, payload any) {
	if m.pub == nil {
		return
	}
	env, err := events.NewEnvelope(eventType, events.AggregateSaga, inst.ID, inst.CorrelationID, "", payload)
	if err != nil {
		m.logf("saga: build %s: %v", eventType, err)
		return
	}
	if err := m.pub.Publish(ctx, events.Topic(eventType), env); err != nil {
		m.logf("saga: publish %s: %v", eventType, err)
	}
}
