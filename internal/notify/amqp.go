package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes events as persistent JSON messages to a durable queue.
type AMQP struct {
	mu    sync.Mutex // amqp channels are not safe for concurrent publishing
	pub   publisher
	queue string
	close func() error
}

// DialAMQP connects to url and declares queue.
func DialAMQP(url, queue string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	return &AMQP{
		pub:   ch,
		queue: queue,
		close: func() error {
			ch.Close()
			return conn.Close()
		},
	}, nil
}

// Notify publishes ev.
func (a *AMQP) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    ev.ID,
		Timestamp:    ev.At,
		Type:         ev.Stage + "." + ev.Kind,
		Body:         body,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.pub.PublishWithContext(ctx, "", a.queue, false, false, msg); err != nil {
		return fmt.Errorf("publishing failure event for %s: %w", ev.ID, err)
	}
	return nil
}

// Close shuts the channel and connection.
func (a *AMQP) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close()
}
