package message_broaker

import (
	"context"
	"fmt"
	amqp "github.com/rabbitmq/amqp091-go"
	"time"
)

type RabbitMQ struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	queueName   string
	exchange    string
	routingKey  string
	contentType string
}

// NewRabbitMQ dials url, declares a durable direct exchange and queue and
// binds them with routingKey plus every key in bindingKeys. An empty
// routingKey binds with the queue name. Messages published with a key that is
// not bound are dropped by the exchange, so callers pass every key they
// publish with.
func NewRabbitMQ(url, exchange, queue, routingKey, contentType string, bindingKeys ...string) (*RabbitMQ, error) {
	if routingKey == "" {
		routingKey = queue
	}
	if contentType == "" {
		contentType = "application/json"
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	for _, key := range QueueBindings(routingKey, bindingKeys...) {
		if err := ch.QueueBind(
			queue,
			key,
			exchange,
			false,
			nil,
		); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue %s with key %s: %w", queue, key, err)
		}
	}

	return &RabbitMQ{
		conn:        conn,
		channel:     ch,
		queueName:   queue,
		exchange:    exchange,
		routingKey:  routingKey,
		contentType: contentType,
	}, nil
}

// Publish sends a persistent message. An empty routingKey uses the key the
// queue was bound with.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, message []byte) error {
	if routingKey == "" {
		routingKey = r.routingKey
	}
	return r.channel.PublishWithContext(ctx,
		r.exchange,
		routingKey,
		false,
		false,
		newPublishing(r.contentType, message, time.Now()),
	)
}

// QueueBindings returns routingKey followed by the distinct non-empty keys.
func QueueBindings(routingKey string, keys ...string) []string {
	bindings := []string{routingKey}
	seen := map[string]bool{routingKey: true}
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		bindings = append(bindings, key)
	}
	return bindings
}

func newPublishing(contentType string, body []byte, now time.Time) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         body,
	}
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		_ = r.conn.Close()
		return err
	}
	return r.conn.Close()
}
