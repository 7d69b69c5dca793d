package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"orderflow/internal/events"
)

// RabbitPublisher publishes envelopes to per-topic fanout exchanges.
type RabbitPublisher struct {
	conn *amqp091.Connection

	mu       sync.Mutex
	declared map[string]struct{}
}

// NewRabbitPublisher dials the broker.
func NewRabbitPublisher(url string) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	return &RabbitPublisher{
		conn:     conn,
		declared: make(map[string]struct{}),
	}, nil
}

// Publish marshals the envelope and sends it to the topic's exchange,
// declaring the exchange on first use.
func (p *RabbitPublisher) Publish(ctx context.Context, topic string, env events.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := p.ensureExchange(ch, topic); err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, topic, "", false, false, amqp091.Publishing{
		ContentType:   "application/json",
		MessageId:     env.ID,
		Type:          env.Type,
		CorrelationId: env.CorrelationID,
		Body:          body,
	})
}

// Close releases the broker connection.
func (p *RabbitPublisher) Close() error {
	return p.conn.Close()
}

func (p *RabbitPublisher) ensureExchange(ch *amqp091.Channel, topic string) error {
	p.mu.Lock()
	_, ok := p.declared[topic]
	p.mu.Unlock()
	if ok {
		return nil
	}

	if err := ch.ExchangeDeclare(topic, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}

	p.mu.Lock()
	p.declared[topic] = struct{}{}
	p.mu.Unlock()
	return nil
}

// RabbitConsumer delivers envelopes from a topic exchange to a handler via a
// durable per-group queue. Redelivery after a handler error gives at-least-once
// semantics; downstream idempotency makes that safe.
type RabbitConsumer struct {
	conn  *amqp091.Connection
	queue string
	logf  func(format string, args ...any)
}

// NewRabbitConsumer dials the broker and binds a durable queue named
// "<topic>.<group>" to the topic's fanout exchange.
func NewRabbitConsumer(url, topic, group string, logf func(format string, args ...any)) (*RabbitConsumer, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(topic, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", topic, err)
	}

	queue := topic + "." + group
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, "", topic, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue %s: %w", queue, err)
	}

	return &RabbitConsumer{conn: conn, queue: queue, logf: logf}, nil
}

// Start consumes the queue until ctx ends. Handler errors nack with requeue;
// undecodable messages are dropped with an ack so they cannot wedge the queue.
func (c *RabbitConsumer) Start(ctx context.Context, h events.Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(32, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logf("bus: consumer channel for %s closed", c.queue)
				return nil
			}
			c.deliver(ctx, msg, h)
		}
	}
}

// Close releases the broker connection.
func (c *RabbitConsumer) Close() error {
	return c.conn.Close()
}

func (c *RabbitConsumer) deliver(ctx context.Context, msg amqp091.Delivery, h events.Handler) {
	var env events.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		c.logf("bus: drop undecodable message on %s: %v", c.queue, err)
		_ = msg.Ack(false)
		return
	}

	if err := h(ctx, env); err != nil {
		c.logf("bus: handler for %s on %s: %v", env.Type, c.queue, err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
