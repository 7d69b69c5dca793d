package bus

import (
	"context"
	"sync"

	"orderflow/internal/events"
)

type subscription struct {
	group   string
	handler events.Handler
}

// LocalBus delivers envelopes to in-process subscribers. Handler errors are
// logged and swallowed so one consumer can never fail a publisher.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
	logf func(format string, args ...any)
}

// NewLocalBus constructs an empty in-process bus.
func NewLocalBus(logf func(format string, args ...any)) *LocalBus {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &LocalBus{
		subs: make(map[string][]subscription),
		logf: logf,
	}
}

// Subscribe registers a handler for the topic.
func (b *LocalBus) Subscribe(topic, group string, h events.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{group: group, handler: h})
}

// Publish delivers the envelope to every subscriber of the topic in
// registration order.
func (b *LocalBus) Publish(ctx context.Context, topic string, env events.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.handler(ctx, env); err != nil {
			b.logf("bus: %s handler (group %s) for %s: %v", topic, sub.group, env.Type, err)
		}
	}
	return nil
}

// Async wraps a publisher so that Publish returns immediately and the actual
// delivery runs off the caller's path. This is the "commit, then enqueue a
// best-effort side effect" seam: bus latency never holds the caller open.
func Async(p Publisher, logf func(format string, args ...any)) Publisher {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return asyncPublisher{base: p, logf: logf}
}

type asyncPublisher struct {
	base Publisher
	logf func(format string, args ...any)
}

func (a asyncPublisher) Publish(ctx context.Context, topic string, env events.Envelope) error {
	go func() {
		// The caller's request may finish first; detach from its cancelation.
		if err := a.base.Publish(context.WithoutCancel(ctx), topic, env); err != nil {
			a.logf("bus: async publish %s to %s: %v", env.Type, topic, err)
		}
	}()
	return nil
}
