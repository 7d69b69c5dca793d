package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/events"
)

// ProcessPaymentCommand charges a user for an order.
type ProcessPaymentCommand struct {
	OrderID       string
	UserID        string
	Amount        float64
	CorrelationID string
	CausationID   string
}

// RefundPaymentCommand refunds a completed payment.
type RefundPaymentCommand struct {
	PaymentID     string
	Reason        string
	CorrelationID string
	CausationID   string
}

// Config wires a Service. Zero hooks get production defaults.
type Config struct {
	Store     Store
	Processor Processor
	Publisher events.Publisher
	Logf      func(format string, args ...any)
	NewID     func() string
	Now       func() time.Time
	// Run executes the gateway settlement. The default detaches it in a
	// goroutine; tests override it to run inline.
	Run func(fn func())
}

// Service applies payment commands. A payment is persisted in PROCESSING
// before the gateway is called, so a crash mid-settlement leaves an auditable
// record instead of a silent gap.
type Service struct {
	store     Store
	processor Processor
	pub       events.Publisher
	logf      func(format string, args ...any)
	newID     func() string
	now       func() time.Time
	run       func(fn func())
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
	if cfg.Run == nil {
		cfg.Run = func(fn func()) { go fn() }
	}
	return &Service{
		store:     cfg.Store,
		processor: cfg.Processor,
		pub:       cfg.Publisher,
		logf:      cfg.Logf,
		newID:     cfg.NewID,
		now:       cfg.Now,
		run:       cfg.Run,
	}
}

// ProcessPayment records the payment and settles it with the gateway. A
// redelivered command for an order that already has a payment returns the
// existing record without charging twice.
func (s *Service) ProcessPayment(ctx context.Context, cmd ProcessPaymentCommand) (Payment, error) {
	if existing, err := s.store.FindByOrder(ctx, cmd.OrderID); err == nil {
		s.logf("payments: order %s already has payment %s (%s)", cmd.OrderID, existing.ID, existing.Status)
		return existing, nil
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return Payment{}, fmt.Errorf("payment lookup: %w", err)
	}

	now := s.now().UTC()
	payment := Payment{
		ID:        s.newID(),
		OrderID:   cmd.OrderID,
		UserID:    cmd.UserID,
		Amount:    cmd.Amount,
		Status:    StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Insert(ctx, payment); err != nil {
		return Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	s.logf("payments: processing %s for order %s (%.2f)", payment.ID, payment.OrderID, payment.Amount)

	settleCtx := context.WithoutCancel(ctx)
	s.run(func() { s.settle(settleCtx, payment, cmd.CorrelationID, cmd.CausationID) })
	return payment, nil
}

func (s *Service) settle(ctx context.Context, payment Payment, correlationID, causationID string) {
	txID, err := s.processor.Charge(ctx, payment)

	payment.UpdatedAt = s.now().UTC()
	if err != nil {
		payment.Status = StatusFailed
		payment.FailureReason = err.Error()
		if updateErr := s.store.Update(ctx, payment); updateErr != nil {
			s.logf("payments: record failure for %s: %v", payment.ID, updateErr)
			return
		}
		s.logf("payments: %s failed for order %s: %v", payment.ID, payment.OrderID, err)
		s.publish(ctx, events.TypePaymentFailed, payment, correlationID, causationID, events.PaymentFailed{
			PaymentID:     payment.ID,
			OrderID:       payment.OrderID,
			UserID:        payment.UserID,
			Amount:        payment.Amount,
			FailureReason: err.Error(),
		})
		return
	}

	payment.Status = StatusCompleted
	payment.TransactionID = txID
	if updateErr := s.store.Update(ctx, payment); updateErr != nil {
		s.logf("payments: record completion for %s: %v", payment.ID, updateErr)
		return
	}
	s.logf("payments: %s completed for order %s (tx %s)", payment.ID, payment.OrderID, txID)
	s.publish(ctx, events.TypePaymentProcessed, payment, correlationID, causationID, events.PaymentProcessed{
		PaymentID:             payment.ID,
		OrderID:               payment.OrderID,
		UserID:                payment.UserID,
		Amount:                payment.Amount,
		ExternalTransactionID: txID,
	})
}

// RefundPayment refunds a completed payment. Any other status, including an
// earlier refund, is a conflict.
func (s *Service) RefundPayment(ctx context.Context, cmd RefundPaymentCommand) error {
	payment, err := s.store.FindByID(ctx, cmd.PaymentID)
	if err != nil {
		return err
	}

	if payment.Status != StatusCompleted {
		return ErrNotRefundable
	}

	payment.Status = StatusRefunded
	payment.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, payment); err != nil {
		return fmt.Errorf("update payment %s: %w", payment.ID, err)
	}

	s.logf("payments: refunded %s (%s)", payment.ID, cmd.Reason)
	s.publish(ctx, events.TypePaymentRefunded, payment, cmd.CorrelationID, cmd.CausationID, events.PaymentRefunded{
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Amount:    payment.Amount,
		Reason:    cmd.Reason,
	})
	return nil
}

// GetPayment returns the payment by id.
func (s *Service) GetPayment(ctx context.Context, id string) (Payment, error) {
	return s.store.FindByID(ctx, id)
}

// GetPaymentByOrder returns the payment recorded for an order.
func (s *Service) GetPaymentByOrder(ctx context.Context, orderID string) (Payment, error) {
	return s.store.FindByOrder(ctx, orderID)
}

func (s *Service) publish(ctx context.Context, eventType string, payment Payment, correlationID, causationID string, payload any) {
	if s.pub == nil {
		return
	}
	if correlationID == "" {
		correlationID = s.newID()
	}
	env, err := events.NewEnvelope(eventType, events.AggregatePayment, payment.ID, correlationID, causationID, payload)
	if err != nil {
		s.logf("payments: build %s: %v", eventType, err)
		return
	}
	if err := s.pub.Publish(ctx, events.Topic(eventType), env); err != nil {
		s.logf("payments: publish %s: %v", eventType, err)
	}
}
