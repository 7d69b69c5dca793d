package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/events"
)

// CreateOrderCommand creates a new order for a user.
type CreateOrderCommand struct {
	UserID          string
	Items           []Item
	ShippingAddress string
	// DedupKey overrides the computed deduplication key when set.
	DedupKey      string
	CorrelationID string
	CausationID   string
}

// CancelOrderCommand cancels an order. UserID, when set, scopes the lookup to
// the order's owner.
type CancelOrderCommand struct {
	OrderID       string
	UserID        string
	Reason        string
	CorrelationID string
	CausationID   string
}

// ConfirmOrderCommand marks a pending order as paid.
type ConfirmOrderCommand struct {
	OrderID       string
	PaymentID     string
	CorrelationID string
	CausationID   string
}

// Config wires a Service. Zero hooks get production defaults.
type Config struct {
	Store     Store
	Publisher events.Publisher
	Logf      func(format string, args ...any)
	NewID     func() string
	Now       func() time.Time
}

// Service applies order commands: persist the aggregate, then emit the
// matching domain events through the configured publisher.
type Service struct {
	store Store
	pub   events.Publisher
	logf  func(format string, args ...any)
	newID func() string
	now   func() time.Time
}

// NewService constructs a Service from cfg.
func NewService(cfg Config) *Service {
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...any) {}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store: cfg.Store,
		pub:   cfg.Publisher,
		logf:  cfg.Logf,
		newID: cfg.NewID,
		now:   cfg.Now,
	}
}

// CreateOrder validates against duplicates, persists the order in PENDING and
// emits OrderCreated. The duplicate check runs twice: a pre-check lookup, and
// recovery from the storage uniqueness constraint for the race between the
// lookup and the insert.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	key := DedupKey(cmd.Items, cmd.DedupKey)

	existing, found, err := s.store.FindByDedupKey(ctx, key)
	if err != nil {
		return Order{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if found {
		s.logf("orders: duplicate submission for key %s, existing order %s", key, existing.ID)
		return Order{}, &DuplicateOrderError{ExistingOrderID: existing.ID, DedupKey: key}
	}

	total := 0.0
	for _, item := range cmd.Items {
		total += float64(item.Quantity) * item.Price
	}

	now := s.now().UTC()
	order := Order{
		ID:              s.newID(),
		UserID:          cmd.UserID,
		Items:           cmd.Items,
		ShippingAddress: cmd.ShippingAddress,
		TotalAmount:     total,
		Status:          StatusPending,
		DedupKey:        key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Insert(ctx, order); err != nil {
		if errors.Is(err, ErrDedupKeyTaken) {
			winner, found, lookupErr := s.store.FindByDedupKey(ctx, key)
			if lookupErr == nil && found {
				s.logf("orders: lost insert race for key %s to order %s", key, winner.ID)
				return Order{}, &DuplicateOrderError{ExistingOrderID: winner.ID, DedupKey: key}
			}
		}
		return Order{}, fmt.Errorf("insert order: %w", err)
	}

	s.logf("orders: created %s for user %s (total %.2f)", order.ID, order.UserID, order.TotalAmount)

	correlationID := cmd.CorrelationID
	if correlationID == "" {
		// The dedup key already identifies the business transaction.
		correlationID = key
	}
	s.publish(ctx, events.TypeOrderCreated, order.ID, correlationID, cmd.CausationID, events.OrderCreated{
		OrderID:         order.ID,
		UserID:          order.UserID,
		TotalAmount:     order.TotalAmount,
		Items:           toEventItems(order.Items),
		ShippingAddress: order.ShippingAddress,
	})

	return order, nil
}

// CancelOrder transitions the order to CANCELLED. Cancelling an already
// cancelled order is a no-op; cancelling a delivered order is a conflict.
func (s *Service) CancelOrder(ctx context.Context, cmd CancelOrderCommand) error {
	order, err := s.findFor(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return err
	}

	switch order.Status {
	case StatusCancelled:
		s.logf("orders: %s already cancelled", order.ID)
		return nil
	case StatusDelivered:
		return ErrOrderDelivered
	}

	previous := order.Status
	order.Status = StatusCancelled
	order.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, order); err != nil {
		return fmt.Errorf("update order %s: %w", order.ID, err)
	}

	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = s.newID()
	}
	s.publish(ctx, events.TypeOrderCancelled, order.ID, correlationID, cmd.CausationID, events.OrderCancelled{
		OrderID: order.ID,
		UserID:  order.UserID,
		Reason:  cmd.Reason,
	})
	s.publish(ctx, events.TypeOrderStatusChanged, order.ID, correlationID, cmd.CausationID, events.OrderStatusChanged{
		OrderID:        order.ID,
		PreviousStatus: string(previous),
		NewStatus:      string(StatusCancelled),
	})

	s.logf("orders: cancelled %s (%s)", order.ID, cmd.Reason)
	return nil
}

// ConfirmOrder transitions a PENDING order to PAID and records the payment.
// Any other current status is a warned no-op, which makes redelivered
// confirmations harmless.
func (s *Service) ConfirmOrder(ctx context.Context, cmd ConfirmOrderCommand) error {
	order, err := s.store.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return err
	}

	if order.Status != StatusPending {
		s.logf("orders: cannot confirm %s in status %s", order.ID, order.Status)
		return nil
	}

	previous := order.Status
	order.Status = StatusPaid
	order.PaymentID = cmd.PaymentID
	order.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, order); err != nil {
		return fmt.Errorf("update order %s: %w", order.ID, err)
	}

	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = s.newID()
	}
	s.publish(ctx, events.TypeOrderConfirmed, order.ID, correlationID, cmd.CausationID, events.OrderConfirmed{
		OrderID:     order.ID,
		PaymentID:   cmd.PaymentID,
		TotalAmount: order.TotalAmount,
	})
	s.publish(ctx, events.TypeOrderStatusChanged, order.ID, correlationID, cmd.CausationID, events.OrderStatusChanged{
		OrderID:        order.ID,
		PreviousStatus: string(previous),
		NewStatus:      string(StatusPaid),
	})

	s.logf("orders: confirmed %s with payment %s", order.ID, cmd.PaymentID)
	return nil
}

// GetOrder returns the order by id.
func (s *Service) GetOrder(ctx context.Context, id string) (Order, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) findFor(ctx context.Context, orderID, userID string) (Order, error) {
	order, err := s.store.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if userID != "" && order.UserID != userID {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) publish(ctx context.Context, eventType, orderID, correlationID, causationID string, payload any) {
	if s.pub == nil {
		return
	}
	env, err := events.NewEnvelope(eventType, events.AggregateOrder, orderID, correlationID, causationID, payload)
	if err != nil {
		s.logf("orders: build %s: %v", eventType, err)
		return
	}
	if err := s.pub.Publish(ctx, events.Topic(eventType), env); err != nil {
		s.logf("orders: publish %s: %v", eventType, err)
	}
}

func toEventItems(items []Item) []events.OrderItem {
	out := make([]events.OrderItem, len(items))
	for i, item := range items {
		out[i] = events.OrderItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			Price:       item.Price,
		}
	}
	return out
}
