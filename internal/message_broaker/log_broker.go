package message_broaker

import (
	"context"
	"log/slog"
)

// LogBroker stands in for RabbitMQ when no broker URL is configured. Messages
// are written to the logger instead of being published.
type LogBroker struct {
	logger *slog.Logger
}

func NewLogBroker(logger *slog.Logger) *LogBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBroker{logger: logger}
}

func (b *LogBroker) Publish(ctx context.Context, routingKey string, message []byte) error {
	b.logger.InfoContext(ctx, "publishing disabled, message dropped",
		slog.String("routing_key", routingKey),
		slog.String("message", string(message)),
	)
	return nil
}

func (b *LogBroker) Close() error { return nil }
