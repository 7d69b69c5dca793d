package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"orderflow/internal/eventstore"
)

// Recorder mirrors every domain event into the append-only event store and
// republishes it for cross-service consumption. The store write is the source
// of truth: a publish failure is logged and does not undo the append.
type Recorder struct {
	store    eventstore.Store
	external Publisher
	logf     func(format string, args ...any)
	shards   int
}

// NewRecorder constructs a Recorder. external may be nil when no broker is
// configured; shards < 2 disables content-addressed topic sharding.
func NewRecorder(store eventstore.Store, external Publisher, shards int, logf func(format string, args ...any)) *Recorder {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Recorder{
		store:    store,
		external: external,
		logf:     logf,
		shards:   shards,
	}
}

// Handle is the bus handler: append a record, then republish best-effort.
func (r *Recorder) Handle(ctx context.Context, env Envelope) error {
	if err := r.append(ctx, env); err != nil {
		return err
	}

	if r.external == nil {
		return nil
	}
	topic := ShardedTopic(env.Type, env.CorrelationID, r.shards)
	if err := r.external.Publish(ctx, topic, env); err != nil {
		// At-least-once redelivery or a catch-up consumer reading the store
		// covers the gap; the record is already durable.
		r.logf("recorder: publish %s to %s: %v", env.Type, topic, err)
	}
	return nil
}

func (r *Recorder) append(ctx context.Context, env Envelope) error {
	for attempt := 0; attempt < 2; attempt++ {
		latest, err := r.store.LatestVersion(ctx, env.AggregateID)
		if err != nil {
			return fmt.Errorf("latest version for %s: %w", env.AggregateID, err)
		}

		rec := eventstore.Record{
			ID:            uuid.NewString(),
			AggregateID:   env.AggregateID,
			AggregateType: env.AggregateType,
			EventType:     env.Type,
			Payload:       env.Payload,
			Version:       latest + 1,
			CorrelationID: env.CorrelationID,
			CausationID:   env.CausationID,
			OccurredAt:    env.OccurredAt,
		}
		err = r.store.Append(ctx, rec)
		if err == nil {
			return nil
		}
		// A concurrent handler won the version; re-read and try once more.
		if errors.Is(err, eventstore.ErrVersionConflict) && attempt == 0 {
			continue
		}
		return fmt.Errorf("append %s for %s: %w", env.Type, env.AggregateID, err)
	}
	return nil
}
