package mocks

import (
	"context"
	"sync"
)

// MockMessageBroker is a mock implementation of message_broaker.MessageBroker for testing.
type MockMessageBroker struct {
	PublishFunc func(ctx context.Context, routingKey string, message []byte) error
	CloseFunc   func() error

	mu        sync.Mutex
	Published []PublishedMessage
}

type PublishedMessage struct {
	RoutingKey string
	Body       []byte
}

func (m *MockMessageBroker) Publish(ctx context.Context, routingKey string, message []byte) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, routingKey, message); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Published = append(m.Published, PublishedMessage{RoutingKey: routingKey, Body: message})
	m.mu.Unlock()
	return nil
}

func (m *MockMessageBroker) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockMessageBroker) Messages() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedMessage(nil), m.Published...)
}
