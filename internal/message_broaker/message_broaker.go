package message_broaker

import "context"

// MessageBroker publishes notifications produced by job handlers.
type MessageBroker interface {
	Publish(ctx context.Context, routingKey string, message []byte) error
	Close() error
}
