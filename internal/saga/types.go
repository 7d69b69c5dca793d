package saga

import (
	"context"
	"errors"
	"time"

	"orderflow/internal/events"
)

// Status is the saga lifecycle state. Transitions are one-way; an instance
// never re-enters STARTED.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// OrderProcessingData is the payload captured when an order-processing saga
// starts.
type OrderProcessingData struct {
	OrderID         string             `json:"orderId"`
	UserID          string             `json:"userId"`
	Amount          float64            `json:"amount"`
	Items           []events.OrderItem `json:"items"`
	ShippingAddress string             `json:"shippingAddress"`
}

// Data is a tagged union keyed by saga type. Exactly one variant is set per
// instance; new saga types add a variant here rather than an untyped bag.
type Data struct {
	OrderProcessing *OrderProcessingData `json:"orderProcessing,omitempty"`
}

// Instance is one persisted saga run.
type Instance struct {
	ID                string
	Type              string
	CorrelationID     string
	Status            Status
	Data              Data
	CurrentStep       string
	CompletedSteps    []string
	CompensationSteps []string
	FailedStep        string
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StepCompleted reports whether the named step already ran to completion.
func (i Instance) StepCompleted(step string) bool {
	for _, s := range i.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

var (
	// ErrSagaNotFound signals a lookup miss.
	ErrSagaNotFound = errors.New("saga not found")
	// ErrCorrelationTaken is returned by stores when an insert violates the
	// (type, correlation id) uniqueness constraint. The creation lock makes
	// this unreachable in normal operation; the constraint is the backstop.
	ErrCorrelationTaken = errors.New("saga correlation id already taken")
)

// Store persists saga instances. MarkCompensating and MarkFailed are single
// store operations so the status, failed step and error land atomically.
type Store interface {
	Create(ctx context.Context, inst Instance) error
	FindByID(ctx context.Context, id string) (Instance, error)
	FindByCorrelation(ctx context.Context, sagaType, correlationID string) (Instance, bool, error)
	SetCurrentStep(ctx context.Context, id, step string) error
	AppendCompletedStep(ctx context.Context, id, step string) error
	AppendCompensationStep(ctx context.Context, id, action string) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	MarkCompensating(ctx context.Context, id, failedStep, errorMessage string) error
	MarkFailed(ctx context.Context, id, errorMessage string) error
	ByStatus(ctx context.Context, status Status) ([]Instance, error)
}
