package payments

import (
	"context"
	"errors"
	"time"
)

// Status is the payment lifecycle state.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
)

// Payment is the payment aggregate.
type Payment struct {
	ID            string
	OrderID       string
	UserID        string
	Amount        float64
	Status        Status
	TransactionID string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var (
	// ErrPaymentNotFound signals a lookup miss.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrNotRefundable is returned when refunding a payment that never
	// completed.
	ErrNotRefundable = errors.New("only completed payments can be refunded")
)

// Store persists payments.
type Store interface {
	Insert(ctx context.Context, p Payment) error
	Update(ctx context.Context, p Payment) error
	FindByID(ctx context.Context, id string) (Payment, error)
	FindByOrder(ctx context.Context, orderID string) (Payment, error)
}
