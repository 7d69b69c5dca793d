// Package bus provides publish/subscribe plumbing for domain events: an
// in-process bus for local delivery and a RabbitMQ adapter for cross-service
// consumption. Delivery is at-least-once; correctness comes from idempotent
// handlers, not transport guarantees.
package bus

import (
	"context"

	"orderflow/internal/events"
)

// Publisher sends an envelope to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env events.Envelope) error
}

// Subscriber registers a handler for a topic under a consumer group. The
// handler table is built once at startup; there is no dynamic unsubscribe.
type Subscriber interface {
	Subscribe(topic, group string, h events.Handler)
}
