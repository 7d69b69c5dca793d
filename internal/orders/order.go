package orders

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// Item is one order line.
type Item struct {
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
}

// Order is the order aggregate. Once CANCELLED or DELIVERED it is never
// mutated again, and orders are never deleted.
type Order struct {
	ID              string
	UserID          string
	Items           []Item
	ShippingAddress string
	TotalAmount     float64
	Status          Status
	DedupKey        string
	PaymentID       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

var (
	// ErrOrderNotFound signals a lookup miss.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderDelivered signals an invalid cancel on a delivered order.
	ErrOrderDelivered = errors.New("cannot cancel delivered order")
	// ErrDedupKeyTaken is returned by stores when an insert violates the
	// dedup-key uniqueness constraint.
	ErrDedupKeyTaken = errors.New("deduplication key already taken")
)

// DuplicateOrderError reports a rejected duplicate submission, carrying the
// id of the order that already owns the deduplication key.
type DuplicateOrderError struct {
	ExistingOrderID string
	DedupKey        string
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("order with this product combination already exists: %s", e.ExistingOrderID)
}

// Store persists orders.
type Store interface {
	Insert(ctx context.Context, o Order) error
	Update(ctx context.Context, o Order) error
	FindByID(ctx context.Context, id string) (Order, error)
	FindByDedupKey(ctx context.Context, key string) (Order, bool, error)
	FindByUser(ctx context.Context, userID string) ([]Order, error)
}
