package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"orderflow/internal/events"
)

type capturePublisher struct {
	published []events.Envelope
	topics    []string
	fail      error
}

func (p *capturePublisher) Publish(_ context.Context, topic string, env events.Envelope) error {
	if p.fail != nil {
		return p.fail
	}
	p.topics = append(p.topics, topic)
	p.published = append(p.published, env)
	return nil
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *capturePublisher) {
	t.Helper()
	store := NewMemoryStore()
	pub := &capturePublisher{}
	seq := 0
	svc := NewService(Config{
		Store:     store,
		Publisher: pub,
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
		Now: func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	return svc, store, pub
}

func TestCreateOrder_PersistsAndPublishes(t *testing.T) {
	t.Parallel()

	svc, store, pub := newTestService(t)
	order, err := svc.CreateOrder(context.Background(), CreateOrderCommand{
		UserID: "u1",
		Items: []Item{
			{ProductID: "p1", Quantity: 2, Price: 10},
			{ProductID: "p2", Quantity: 1, Price: 5.5},
		},
		ShippingAddress: "12 Main St",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if order.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", order.Status)
	}
	if order.TotalAmount != 25.5 {
		t.Fatalf("expected total 25.5, got %v", order.TotalAmount)
	}
	if order.DedupKey == "" {
		t.Fatalf("expected a computed dedup key")
	}

	stored, err := store.FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("find stored: %v", err)
	}
	if stored.UserID != "u1" {
		t.Fatalf("unexpected stored order: %+v", stored)
	}

	if len(pub.published) != 1 || pub.published[0].Type != events.TypeOrderCreated {
		t.Fatalf("expected one OrderCreated, got %+v", pub.published)
	}
	if pub.published[0].CorrelationID != order.DedupKey {
		t.Fatalf("correlation id should default to the dedup key")
	}
	if pub.topics[0] != "order-events" {
		t.Fatalf("unexpected topic %s", pub.topics[0])
	}
}

func TestCreateOrder_DuplicateIsRejectedWithExistingID(t *testing.T) {
	t.Parallel()

	svc, _, pub := newTestService(t)
	items := []Item{{ProductID: "p1", Quantity: 1, Price: 10}}

	first, err := svc.CreateOrder(context.Background(), CreateOrderCommand{UserID: "u1", Items: items})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err = svc.CreateOrder(context.Background(), CreateOrderCommand{UserID: "u1", Items: items})
	var dup *DuplicateOrderError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateOrderError, got %v", err)
	}
	if dup.ExistingOrderID != first.ID {
		t.Fatalf("expected existing order %s, got %s", first.ID, dup.ExistingOrderID)
	}
	if len(pub.published) != 1 {
		t.Fatalf("duplicate must not publish, got %d events", len(pub.published))
	}
}

// raceStore reports a lookup miss once, then delegates to the real store. That
// reproduces the window between the pre-check and the insert when a concurrent
// request wins the uniqueness constraint.
type raceStore struct {
	*MemoryStore
	missed bool
}

func (s *raceStore) FindByDedupKey(ctx context.Context, key string) (Order, bool, error) {
	if !s.missed {
		s.missed = true
		return Order{}, false, nil
	}
	return s.MemoryStore.FindByDedupKey(ctx, key)
}

func TestCreateOrder_RecoversFromInsertRace(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	winner := Order{ID: "winner", UserID: "u1", DedupKey: DedupKey([]Item{{ProductID: "p1"}}, ""), Status: StatusPending}
	if err := inner.Insert(context.Background(), winner); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := NewService(Config{Store: &raceStore{MemoryStore: inner}})
	_, err := svc.CreateOrder(context.Background(), CreateOrderCommand{
		UserID: "u2",
		Items:  []Item{{ProductID: "p1", Quantity: 1, Price: 10}},
	})

	var dup *DuplicateOrderError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateOrderError after losing the race, got %v", err)
	}
	if dup.ExistingOrderID != "winner" {
		t.Fatalf("expected winner's id, got %s", dup.ExistingOrderID)
	}
}

func TestCancelOrder_Transitions(t *testing.T) {
	t.Parallel()

	svc, store, pub := newTestService(t)
	order, err := svc.CreateOrder(context.Background(), CreateOrderCommand{
		UserID: "u1",
		Items:  []Item{{ProductID: "p1", Quantity: 1, Price: 10}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, Reason: "payment failed"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := store.FindByID(context.Background(), order.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}

	// OrderCreated + OrderCancelled + OrderStatusChanged.
	if len(pub.published) != 3 {
		t.Fatalf("expected 3 events, got %d", len(pub.published))
	}
	if pub.published[1].Type != events.TypeOrderCancelled || pub.published[2].Type != events.TypeOrderStatusChanged {
		t.Fatalf("unexpected event sequence: %s, %s", pub.published[1].Type, pub.published[2].Type)
	}

	// Idempotent repeat.
	if err := svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("repeated cancel must be a no-op, got %v", err)
	}
	if len(pub.published) != 3 {
		t.Fatalf("repeated cancel must not publish")
	}
}

func TestCancelOrder_DeliveredIsConflict(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t)
	order := Order{ID: "o1", UserID: "u1", Status: StatusDelivered}
	if err := store.Insert(context.Background(), order); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: "o1"}); !errors.Is(err, ErrOrderDelivered) {
		t.Fatalf("expected ErrOrderDelivered, got %v", err)
	}
}

func TestCancelOrder_ScopedToOwner(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t)
	if err := store.Insert(context.Background(), Order{ID: "o1", UserID: "u1", Status: StatusPending}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := svc.CancelOrder(context.Background(), CancelOrderCommand{OrderID: "o1", UserID: "intruder"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign user, got %v", err)
	}
}

func TestConfirmOrder_PendingToPaid(t *testing.T) {
	t.Parallel()

	svc, store, pub := newTestService(t)
	order, err := svc.CreateOrder(context.Background(), CreateOrderCommand{
		UserID: "u1",
		Items:  []Item{{ProductID: "p1", Quantity: 1, Price: 10}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.ConfirmOrder(context.Background(), ConfirmOrderCommand{OrderID: order.ID, PaymentID: "pay-1"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	got, _ := store.FindByID(context.Background(), order.ID)
	if got.Status != StatusPaid || got.PaymentID != "pay-1" {
		t.Fatalf("unexpected order after confirm: %+v", got)
	}

	// Confirming again is a warned no-op.
	before := len(pub.published)
	if err := svc.ConfirmOrder(context.Background(), ConfirmOrderCommand{OrderID: order.ID, PaymentID: "pay-2"}); err != nil {
		t.Fatalf("repeated confirm: %v", err)
	}
	if len(pub.published) != before {
		t.Fatalf("repeated confirm must not publish")
	}
	got, _ = store.FindByID(context.Background(), order.ID)
	if got.PaymentID != "pay-1" {
		t.Fatalf("repeated confirm must not overwrite the payment id")
	}
}

func TestCreateOrder_SurvivesPublishFailure(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	var logged string
	svc := NewService(Config{
		Store:     store,
		Publisher: &capturePublisher{fail: errors.New("broker down")},
		Logf: func(format string, args ...any) {
			logged = fmt.Sprintf(format, args...)
		},
	})

	order, err := svc.CreateOrder(context.Background(), CreateOrderCommand{
		UserID: "u1",
		Items:  []Item{{ProductID: "p1", Quantity: 1, Price: 10}},
	})
	if err != nil {
		t.Fatalf("publish failure must not fail the command: %v", err)
	}
	if _, findErr := store.FindByID(context.Background(), order.ID); findErr != nil {
		t.Fatalf("order must be persisted despite publish failure: %v", findErr)
	}
	if logged == "" {
		t.Fatalf("expected the publish failure to be logged")
	}
}
