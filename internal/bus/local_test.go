package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"orderflow/internal/events"
)

func TestLocalBus_DeliversToTopicSubscribers(t *testing.T) {
	t.Parallel()

	b := NewLocalBus(nil)
	var got []string
	b.Subscribe("order-events", "a", func(_ context.Context, env events.Envelope) error {
		got = append(got, "a:"+env.Type)
		return nil
	})
	b.Subscribe("order-events", "b", func(_ context.Context, env events.Envelope) error {
		got = append(got, "b:"+env.Type)
		return nil
	})
	b.Subscribe("payment-events", "a", func(_ context.Context, env events.Envelope) error {
		got = append(got, "wrong-topic")
		return nil
	})

	env := events.Envelope{Type: events.TypeOrderCreated}
	if err := b.Publish(context.Background(), "order-events", env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(got) != 2 || got[0] != "a:OrderCreated" || got[1] != "b:OrderCreated" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestLocalBus_HandlerErrorIsLoggedNotPropagated(t *testing.T) {
	t.Parallel()

	var logged string
	b := NewLocalBus(func(format string, args ...any) {
		logged = fmt.Sprintf(format, args...)
	})
	b.Subscribe("order-events", "g", func(context.Context, events.Envelope) error {
		return errors.New("handler boom")
	})

	if err := b.Publish(context.Background(), "order-events", events.Envelope{Type: "X"}); err != nil {
		t.Fatalf("handler errors must not propagate, got %v", err)
	}
	if logged == "" {
		t.Fatalf("expected the handler error to be logged")
	}
}

func TestLocalBus_PublishRespectsCanceledContext(t *testing.T) {
	t.Parallel()

	b := NewLocalBus(nil)
	called := false
	b.Subscribe("t", "g", func(context.Context, events.Envelope) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Publish(ctx, "t", events.Envelope{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatalf("expected no delivery on canceled context")
	}
}

func TestAsync_DetachesFromCaller(t *testing.T) {
	t.Parallel()

	b := NewLocalBus(nil)
	delivered := make(chan events.Envelope, 1)
	b.Subscribe("t", "g", func(_ context.Context, env events.Envelope) error {
		delivered <- env
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the async path must still deliver

	if err := Async(b, nil).Publish(ctx, "t", events.Envelope{Type: "X"}); err != nil {
		t.Fatalf("async publish: %v", err)
	}

	env := <-delivered
	if env.Type != "X" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}
