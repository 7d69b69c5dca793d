package orders

import (
	"context"
	"sync"
)

// MemoryStore keeps orders in memory, enforcing dedup-key uniqueness the same
// way the Postgres store's partial unique index does.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	byKey  map[string]string
}

// NewMemoryStore constructs an empty in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]Order),
		byKey:  make(map[string]string),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, o Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if o.DedupKey != "" {
		if _, taken := s.byKey[o.DedupKey]; taken {
			return ErrDedupKeyTaken
		}
		s.byKey[o.DedupKey] = o.ID
	}
	s.orders[o.ID] = o
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, o Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	s.orders[o.ID] = o
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *MemoryStore) FindByDedupKey(ctx context.Context, key string) (Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[key]
	if !ok {
		return Order{}, false, nil
	}
	return s.orders[id], true, nil
}

func (s *MemoryStore) FindByUser(ctx context.Context, userID string) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}
