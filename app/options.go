package app

import (
	"database/sql"
	"github.com/RezaEskandarii/bookingworker/internal/llm"
	"github.com/RezaEskandarii/bookingworker/internal/message_broaker"
	"github.com/RezaEskandarii/bookingworker/internal/store"
	"github.com/RezaEskandarii/bookingworker/pkg/retry"
	"github.com/redis/go-redis/v9"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	db        *sql.DB
	redis     *redis.Client
	store     store.ScheduledJobStore
	broker    message_broaker.MessageBroker
	completer llm.Completer

	startupRetry *retry.Options
}

// WithDB injects a database connection instead of opening one from config.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects a Redis client instead of creating one from config.
func WithRedis(redis *redis.Client) ContainerOption {
	return func(c *containerConfig) {
		c.redis = redis
	}
}

// WithStore bypasses storage setup entirely.
func WithStore(s store.ScheduledJobStore) ContainerOption {
	return func(c *containerConfig) {
		c.store = s
	}
}

func WithMessageBroker(b message_broaker.MessageBroker) ContainerOption {
	return func(c *containerConfig) {
		c.broker = b
	}
}

// WithCompleter sets the language model behind the resilient LLM client.
func WithCompleter(completer llm.Completer) ContainerOption {
	return func(c *containerConfig) {
		c.completer = completer
	}
}

// WithStartupRetry sets how often storage initialization is retried before
// the container gives up.
func WithStartupRetry(opts retry.Options) ContainerOption {
	return func(c *containerConfig) {
		c.startupRetry = &opts
	}
}
