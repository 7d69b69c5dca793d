package payments

import (
	"context"
	"sync"
)

// MemoryStore keeps payments in memory.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]Payment
	byOrder  map[string]string
}

// NewMemoryStore constructs an empty in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]Payment),
		byOrder:  make(map[string]string),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, p Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
	s.byOrder[p.OrderID] = p.ID
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, p Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	s.payments[p.ID] = p
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (Payment, error) {
	if err := ctx.Err(); err != nil {
		return Payment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (s *MemoryStore) FindByOrder(ctx context.Context, orderID string) (Payment, error) {
	if err := ctx.Err(); err != nil {
		return Payment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return s.payments[id], nil
}
