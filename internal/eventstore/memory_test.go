package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_OrdersByVersionAndTime(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Appended out of order on purpose.
	records := []Record{
		{ID: "e2", AggregateID: "order-1", EventType: "OrderConfirmed", Version: 2, CorrelationID: "corr-1", OccurredAt: base.Add(2 * time.Second)},
		{ID: "e1", AggregateID: "order-1", EventType: "OrderCreated", Version: 1, CorrelationID: "corr-1", OccurredAt: base},
		{ID: "e3", AggregateID: "payment-1", EventType: "PaymentProcessed", Version: 1, CorrelationID: "corr-1", OccurredAt: base.Add(time.Second)},
	}
	for _, rec := range records {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", rec.ID, err)
		}
	}

	byAggregate, err := store.ByAggregate(ctx, "order-1")
	if err != nil {
		t.Fatalf("byAggregate: %v", err)
	}
	if len(byAggregate) != 2 || byAggregate[0].Version != 1 || byAggregate[1].Version != 2 {
		t.Fatalf("expected version order, got %+v", byAggregate)
	}

	byCorrelation, err := store.ByCorrelation(ctx, "corr-1")
	if err != nil {
		t.Fatalf("byCorrelation: %v", err)
	}
	if len(byCorrelation) != 3 {
		t.Fatalf("expected 3 records, got %d", len(byCorrelation))
	}
	for i, want := range []string{"e1", "e3", "e2"} {
		if byCorrelation[i].ID != want {
			t.Fatalf("expected time order e1,e3,e2; got %s at %d", byCorrelation[i].ID, i)
		}
	}
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Append(ctx, Record{ID: "a", AggregateID: "order-1", Version: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := store.Append(ctx, Record{ID: "b", AggregateID: "order-1", Version: 1})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	latest, err := store.LatestVersion(ctx, "order-1")
	if err != nil {
		t.Fatalf("latestVersion: %v", err)
	}
	if latest != 1 {
		t.Fatalf("expected latest version 1, got %d", latest)
	}
}
