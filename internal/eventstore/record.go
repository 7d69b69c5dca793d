package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrVersionConflict signals a concurrent append claimed the same
// (aggregate id, version) slot.
var ErrVersionConflict = errors.New("event version conflict")

// Record is one immutable entry of the append-only event log. Records for a
// given aggregate id are totally ordered by Version; records belonging to one
// business transaction share a CorrelationID.
type Record struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Metadata      json.RawMessage
	Version       int
	CorrelationID string
	CausationID   string
	OccurredAt    time.Time
}

// Store is the append-only log contract. There are deliberately no update or
// delete operations.
type Store interface {
	Append(ctx context.Context, rec Record) error
	ByAggregate(ctx context.Context, aggregateID string) ([]Record, error)
	ByCorrelation(ctx context.Context, correlationID string) ([]Record, error)
	LatestVersion(ctx context.Context, aggregateID string) (int, error)
}
