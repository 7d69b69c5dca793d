package saga

import (
	"context"
	"fmt"

	"orderflow/internal/events"
	"orderflow/internal/orders"
	"orderflow/internal/payments"
)

// TypeOrderProcessing is the saga type coordinating order payment and
// confirmation.
const TypeOrderProcessing = "OrderProcessingSaga"

// Step and compensation-action names recorded on order-processing instances.
const (
	StepPaymentProcessing = "payment_processing"
	StepOrderConfirmation = "order_confirmation"
	ActionOrderCancelled  = "order_cancelled"
	ActionPaymentRefunded = "payment_refunded"

	orderProcessingGroup = "saga-orchestrator"
)

// OrderCommands is the slice of the order service the saga drives.
type OrderCommands interface {
	ConfirmOrder(ctx context.Context, cmd orders.ConfirmOrderCommand) error
	CancelOrder(ctx context.Context, cmd orders.CancelOrderCommand) error
}

// PaymentCommands is the slice of the payment service the saga drives.
type PaymentCommands interface {
	ProcessPayment(ctx context.Context, cmd payments.ProcessPaymentCommand) (payments.Payment, error)
	RefundPayment(ctx context.Context, cmd payments.RefundPaymentCommand) error
	GetPaymentByOrder(ctx context.Context, orderID string) (payments.Payment, error)
}

// Subscriber registers event handlers; bus.LocalBus and the AMQP consumer
// both satisfy it.
type Subscriber interface {
	Subscribe(topic, group string, h events.Handler)
}

// OrderProcessing reacts to order and payment events: it charges the user
// after an order is created, confirms the order once the charge settles, and
// cancels the order when the charge fails.
type OrderProcessing struct {
	manager  *Manager
	orders   OrderCommands
	payments PaymentCommands
	logf     func(format string, args ...any)
}

// NewOrderProcessing constructs the saga and installs its compensations on
// the manager.
func NewOrderProcessing(manager *Manager, orderCmds OrderCommands, paymentCmds PaymentCommands, logf func(format string, args ...any)) *OrderProcessing {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	s := &OrderProcessing{
		manager:  manager,
		orders:   orderCmds,
		payments: paymentCmds,
		logf:     logf,
	}

	manager.RegisterCompensation(TypeOrderProcessing, StepPaymentProcessing, s.compensatePayment)
	manager.RegisterCompensation(TypeOrderProcessing, StepOrderConfirmation, s.compensateConfirmation)
	return s
}

// Register subscribes the saga's handlers to the order and payment topics.
func (s *OrderProcessing) Register(sub Subscriber) {
	sub.Subscribe("order-events", orderProcessingGroup, s.Handle)
	sub.Subscribe("payment-events", orderProcessingGroup, s.Handle)
}

// Handle dispatches an envelope to the matching step handler. Unknown event
// types are ignored.
func (s *OrderProcessing) Handle(ctx context.Context, env events.Envelope) error {
	switch env.Type {
	case events.TypeOrderCreated:
		return s.HandleOrderCreated(ctx, env)
	case events.TypePaymentProcessed:
		return s.HandlePaymentProcessed(ctx, env)
	case events.TypePaymentFailed:
		return s.HandlePaymentFailed(ctx, env)
	}
	return nil
}

// HandleOrderCreated starts the saga and runs the payment step. An envelope
// without a correlation id cannot be threaded through the saga; it is logged
// and dropped rather than retried, since redelivery would not fix it.
func (s *OrderProcessing) HandleOrderCreated(ctx context.Context, env events.Envelope) error {
	if env.CorrelationID == "" {
		s.logf("saga: OrderCreated %s has no correlation id, not starting", env.ID)
		return nil
	}

	var payload events.OrderCreated
	if err := env.Decode(&payload); err != nil {
		s.logf("saga: %v, dropping %s", err, env.ID)
		return nil
	}

	inst, err := s.manager.StartSaga(ctx, TypeOrderProcessing, env.CorrelationID, Data{
		OrderProcessing: &OrderProcessingData{
			OrderID:         payload.OrderID,
			UserID:          payload.UserID,
			Amount:          payload.TotalAmount,
			Items:           payload.Items,
			ShippingAddress: payload.ShippingAddress,
		},
	})
	if err != nil {
		return fmt.Errorf("start saga for order %s: %w", payload.OrderID, err)
	}

	stepErr := s.manager.ExecuteStep(ctx, inst.ID, StepPaymentProcessing, func(ctx context.Context) error {
		_, err := s.payments.ProcessPayment(ctx, payments.ProcessPaymentCommand{
			OrderID:       payload.OrderID,
			UserID:        payload.UserID,
			Amount:        payload.TotalAmount,
			CorrelationID: env.CorrelationID,
			CausationID:   env.ID,
		})
		return err
	})
	if stepErr != nil {
		// Already absorbed into compensation; the event is considered handled.
		s.logf("saga: %s payment step failed: %v", inst.ID, stepErr)
	}
	return nil
}

// HandlePaymentProcessed confirms the order and completes the saga. A
// correlation id with no saga is a stale or foreign event, warned and
// ignored.
func (s *OrderProcessing) HandlePaymentProcessed(ctx context.Context, env events.Envelope) error {
	inst, found, err := s.manager.FindByCorrelation(ctx, TypeOrderProcessing, env.CorrelationID)
	if err != nil {
		return fmt.Errorf("saga lookup for correlation %s: %w", env.CorrelationID, err)
	}
	if !found {
		s.logf("saga: no saga for correlation %s, ignoring PaymentProcessed", env.CorrelationID)
		return nil
	}

	var payload events.PaymentProcessed
	if err := env.Decode(&payload); err != nil {
		s.logf("saga: %v, dropping %s", err, env.ID)
		return nil
	}

	data := inst.Data.OrderProcessing
	if data == nil {
		s.logf("saga: %s has no order data, ignoring PaymentProcessed", inst.ID)
		return nil
	}

	stepErr := s.manager.ExecuteStep(ctx, inst.ID, StepOrderConfirmation, func(ctx context.Context) error {
		return s.orders.ConfirmOrder(ctx, orders.ConfirmOrderCommand{
			OrderID:       data.OrderID,
			PaymentID:     payload.PaymentID,
			CorrelationID: env.CorrelationID,
			CausationID:   env.ID,
		})
	})
	if stepErr != nil {
		s.logf("saga: %s confirmation step failed: %v", inst.ID, stepErr)
		return nil
	}

	if err := s.manager.CompleteSaga(ctx, inst.ID); err != nil {
		return fmt.Errorf("complete saga %s: %w", inst.ID, err)
	}
	return nil
}

// HandlePaymentFailed cancels the order and settles the saga as COMPENSATED
// directly. The payment never succeeded, so there is nothing to unwind beyond
// the pending order; the generic compensation engine only takes over if the
// cancellation itself fails.
func (s *OrderProcessing) HandlePaymentFailed(ctx context.Context, env events.Envelope) error {
	inst, found, err := s.manager.FindByCorrelation(ctx, TypeOrderProcessing, env.CorrelationID)
	if err != nil {
		return fmt.Errorf("saga lookup for correlation %s: %w", env.CorrelationID, err)
	}
	if !found {
		s.logf("saga: no saga for correlation %s, ignoring PaymentFailed", env.CorrelationID)
		return nil
	}

	var payload events.PaymentFailed
	if err := env.Decode(&payload); err != nil {
		s.logf("saga: %v, dropping %s", err, env.ID)
		return nil
	}

	data := inst.Data.OrderProcessing
	if data == nil {
		s.logf("saga: %s has no order data, ignoring PaymentFailed", inst.ID)
		return nil
	}

	cancelErr := s.orders.CancelOrder(ctx, orders.CancelOrderCommand{
		OrderID:       data.OrderID,
		Reason:        "Payment failed: " + payload.FailureReason,
		CorrelationID: env.CorrelationID,
		CausationID:   env.ID,
	})
	if cancelErr != nil {
		if err := s.manager.HandleFailure(ctx, inst, StepPaymentProcessing, cancelErr.Error()); err != nil {
			return fmt.Errorf("handle failure for saga %s: %w", inst.ID, err)
		}
		return nil
	}

	if err := s.manager.MarkCompensated(ctx, inst.ID, ActionOrderCancelled); err != nil {
		return fmt.Errorf("mark saga %s compensated: %w", inst.ID, err)
	}
	return nil
}

// compensatePayment undoes the payment_processing step by cancelling the
// order. Refunds happen only when the confirmation step is compensated.
func (s *OrderProcessing) compensatePayment(ctx context.Context, inst Instance) (string, error) {
	data := inst.Data.OrderProcessing
	if data == nil {
		return "", fmt.Errorf("saga %s has no order data", inst.ID)
	}

	if err := s.orders.CancelOrder(ctx, orders.CancelOrderCommand{
		OrderID:       data.OrderID,
		Reason:        "saga compensation: " + inst.ErrorMessage,
		CorrelationID: inst.CorrelationID,
	}); err != nil {
		return "", fmt.Errorf("cancel order %s: %w", data.OrderID, err)
	}
	return ActionOrderCancelled, nil
}

// compensateConfirmation undoes a completed confirmation step by refunding
// the settled payment.
func (s *OrderProcessing) compensateConfirmation(ctx context.Context, inst Instance) (string, error) {
	data := inst.Data.OrderProcessing
	if data == nil {
		return "", fmt.Errorf("saga %s has no order data", inst.ID)
	}

	payment, err := s.payments.GetPaymentByOrder(ctx, data.OrderID)
	if err != nil {
		return "", fmt.Errorf("payment lookup for order %s: %w", data.OrderID, err)
	}
	if err := s.payments.RefundPayment(ctx, payments.RefundPaymentCommand{
		PaymentID:     payment.ID,
		Reason:        "saga compensation: " + inst.ErrorMessage,
		CorrelationID: inst.CorrelationID,
	}); err != nil {
		return "", fmt.Errorf("refund payment %s: %w", payment.ID, err)
	}
	return ActionPaymentRefunded, nil
}
