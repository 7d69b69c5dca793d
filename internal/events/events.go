package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event type names as they appear on the wire and in the event store.
const (
	TypeOrderCreated       = "OrderCreated"
	TypeOrderCancelled     = "OrderCancelled"
	TypeOrderConfirmed     = "OrderConfirmed"
	TypeOrderStatusChanged = "OrderStatusChanged"

	TypePaymentProcessed = "PaymentProcessed"
	TypePaymentFailed    = "PaymentFailed"
	TypePaymentRefunded  = "PaymentRefunded"

	TypeSagaStarted            = "SagaStarted"
	TypeSagaStepCompleted      = "SagaStepCompleted"
	TypeSagaCompleted          = "SagaCompleted"
	TypeSagaFailed             = "SagaFailed"
	TypeSagaStepCompensated    = "SagaStepCompensated"
	TypeSagaCompensated        = "SagaCompensated"
	TypeSagaCompensationFailed = "SagaCompensationFailed"
)

// Aggregate type names used in event-store records.
const (
	AggregateOrder   = "Order"
	AggregatePayment = "Payment"
	AggregateSaga    = "Saga"
)

// Envelope wraps a domain event for transport and storage. CorrelationID
// threads every envelope belonging to one business transaction; CausationID
// names the command or event that produced this one.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and stamps identity and time.
func NewEnvelope(eventType, aggregateType, aggregateID, correlationID, causationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:            uuid.NewString(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		CorrelationID: correlationID,
		CausationID:   causationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Publisher is the outbound half of the bus contract as seen by event
// producers. bus.LocalBus and the AMQP adapter both satisfy it.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

// Handler consumes envelopes delivered by a bus. Errors are logged by the
// delivering adapter, never propagated to the publisher.
type Handler func(ctx context.Context, env Envelope) error

// OrderItem is one line of an order as carried by order events.
type OrderItem struct {
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
}

type OrderCreated struct {
	OrderID         string      `json:"orderId"`
	UserID          string      `json:"userId"`
	TotalAmount     float64     `json:"totalAmount"`
	Items           []OrderItem `json:"items"`
	ShippingAddress string      `json:"shippingAddress"`
}

type OrderCancelled struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason,omitempty"`
}

type OrderConfirmed struct {
	OrderID     string  `json:"orderId"`
	PaymentID   string  `json:"paymentId"`
	TotalAmount float64 `json:"totalAmount"`
}

type OrderStatusChanged struct {
	OrderID        string `json:"orderId"`
	PreviousStatus string `json:"previousStatus"`
	NewStatus      string `json:"newStatus"`
}

type PaymentProcessed struct {
	PaymentID             string  `json:"paymentId"`
	OrderID               string  `json:"orderId"`
	UserID                string  `json:"userId"`
	Amount                float64 `json:"amount"`
	ExternalTransactionID string  `json:"externalTransactionId"`
}

type PaymentFailed struct {
	PaymentID     string  `json:"paymentId"`
	OrderID       string  `json:"orderId"`
	UserID        string  `json:"userId"`
	Amount        float64 `json:"amount"`
	FailureReason string  `json:"failureReason"`
}

type PaymentRefunded struct {
	PaymentID string  `json:"paymentId"`
	OrderID   string  `json:"orderId"`
	Amount    float64 `json:"amount"`
	Reason    string  `json:"reason,omitempty"`
}

type SagaStarted struct {
	SagaID        string `json:"sagaId"`
	SagaType      string `json:"sagaType"`
	CorrelationID string `json:"correlationId"`
}

type SagaStepCompleted struct {
	SagaID         string   `json:"sagaId"`
	StepName       string   `json:"stepName"`
	CompletedSteps []string `json:"completedSteps"`
}

type SagaCompleted struct {
	SagaID         string   `json:"sagaId"`
	CorrelationID  string   `json:"correlationId"`
	CompletedSteps []string `json:"completedSteps"`
}

type SagaFailed struct {
	SagaID        string `json:"sagaId"`
	CorrelationID string `json:"correlationId"`
	FailedStep    string `json:"failedStep"`
	ErrorMessage  string `json:"errorMessage"`
}

type SagaStepCompensated struct {
	SagaID   string `json:"sagaId"`
	StepName string `json:"stepName"`
}

type SagaCompensated struct {
	SagaID            string   `json:"sagaId"`
	CorrelationID     string   `json:"correlationId"`
	CompensationSteps []string `json:"compensationSteps"`
}

type SagaCompensationFailed struct {
	SagaID                     string `json:"sagaId"`
	CorrelationID              string `json:"correlationId"`
	ErrorMessage               string `json:"errorMessage"`
	RequiresManualIntervention bool   `json:"requiresManualIntervention"`
}
