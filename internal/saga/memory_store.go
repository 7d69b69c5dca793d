package saga

import (
	"context"
	"sync"
)

// MemoryStore keeps saga instances in memory.
type MemoryStore struct {
	mu     sync.Mutex
	sagas  map[string]Instance
	byCorr map[string]string
}

// NewMemoryStore constructs an empty in-memory saga store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas:  make(map[string]Instance),
		byCorr: make(map[string]string),
	}
}

func corrKey(sagaType, correlationID string) string {
	return sagaType + "\x00" + correlationID
}

func (s *MemoryStore) Create(ctx context.Context, inst Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := corrKey(inst.Type, inst.CorrelationID)
	if _, taken := s.byCorr[key]; taken {
		return ErrCorrelationTaken
	}
	s.byCorr[key] = inst.ID
	s.sagas[inst.ID] = cloneInstance(inst)
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return Instance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.sagas[id]
	if !ok {
		return Instance{}, ErrSagaNotFound
	}
	return cloneInstance(inst), nil
}

func (s *MemoryStore) FindByCorrelation(ctx context.Context, sagaType, correlationID string) (Instance, bool, error) {
	if err := ctx.Err(); err != nil {
		return Instance{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCorr[corrKey(sagaType, correlationID)]
	if !ok {
		return Instance{}, false, nil
	}
	return cloneInstance(s.sagas[id]), true, nil
}

func (s *MemoryStore) SetCurrentStep(ctx context.Context, id, step string) error {
	return s.mutate(ctx, id, func(inst *Instance) {
		inst.CurrentStep = step
	})
}

func (s *MemoryStore) AppendCompletedStep(ctx context.Context, id, step string) error {
	return s.mutate(ctx, id, func(inst *Instance) {
		inst.CompletedSteps = append(inst.CompletedSteps, step)
	})
}

func (s *MemoryStore) AppendCompensationStep(ctx context.Context, id, action string) error {
	return s.mutate(ctx, id, func(inst *Instance) {
		inst.CompensationSteps = append(inst.CompensationSteps, action)
	})
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	return s.mutate(ctx, id, func(inst *Instance) {
		inst.Status = status
	})
}

func (s *MemoryStore) MarkCompensating(ctx context.Context, id, failedStep, errorMessage string) error {
	return s.mutate(ctx, id, func(inst *Instance) {
		inst.Status = StatusCompensating
		inst.FailedStep = failedStep
		inst.ErrorMessage = errorMessage
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id, errorMessage string) error {
	return s.mutate(ctx, id, func(inst *Instance) {
		inst.Status = StatusFailed
		inst.ErrorMessage = errorMessage
	})
}

func (s *MemoryStore) ByStatus(ctx context.Context, status Status) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Instance
	for _, inst := range s.sagas {
		if inst.Status == status {
			out = append(out, cloneInstance(inst))
		}
	}
	return out, nil
}

func (s *MemoryStore) mutate(ctx context.Context, id string, fn func(inst *Instance)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.sagas[id]
	if !ok {
		return ErrSagaNotFound
	}
	fn(&inst)
	s.sagas[id] = inst
	return nil
}

func cloneInstance(inst Instance) Instance {
	out := inst
	out.CompletedSteps = append([]string(nil), inst.CompletedSteps...)
	out.CompensationSteps = append([]string(nil), inst.CompensationSteps...)
	return out
}
