package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker publishes tasks as persistent messages on a durable RabbitMQ
// queue. Unacknowledged messages are redelivered by the server when the
// consuming channel closes.
type AMQPBroker struct {
	conn     *amqp.Connection
	queue    string
	prefetch int

	pubMu sync.Mutex
	pub   *amqp.Channel

	subOnce sync.Once
	subErr  error
	msgs    <-chan amqp.Delivery
}

// NewAMQPBroker dials url and declares queue. prefetch is the number of
// unacknowledged messages the server will hand this process at once.
func NewAMQPBroker(url, queue string, prefetch int) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", queue, err)
	}
	if prefetch < 1 {
		prefetch = 1
	}
	return &AMQPBroker{conn: conn, queue: queue, prefetch: prefetch, pub: ch}, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, t Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	err = b.pub.PublishWithContext(ctx,
		"",
		b.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (b *AMQPBroker) consume() error {
	b.subOnce.Do(func() {
		ch, err := b.conn.Channel()
		if err != nil {
			b.subErr = fmt.Errorf("amqp channel: %w", err)
			return
		}
		if err := ch.Qos(b.prefetch, 0, false); err != nil {
			b.subErr = fmt.Errorf("amqp qos: %w", err)
			return
		}
		msgs, err := ch.Consume(
			b.queue,
			"",
			false, // manual ack
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			b.subErr = fmt.Errorf("amqp consume: %w", err)
			return
		}
		b.msgs = msgs
	})
	return b.subErr
}

func (b *AMQPBroker) Receive(ctx context.Context) (*Delivery, error) {
	if err := b.consume(); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-b.msgs:
			if !ok {
				return nil, ErrBrokerClosed
			}
			var t Task
			if err := json.Unmarshal(msg.Body, &t); err != nil {
				slog.Error("amqp: dropping undecodable task", "queue", b.queue, "error", err)
				msg.Nack(false, false)
				continue
			}
			return &Delivery{
				Task: t,
				ack: func(context.Context) error {
					return msg.Ack(false)
				},
			}, nil
		}
	}
}

// Recover is a no-op: the server requeues unacknowledged messages itself.
func (b *AMQPBroker) Recover(context.Context) (int, error) { return 0, nil }

func (b *AMQPBroker) Close() error {
	return b.conn.Close()
}
