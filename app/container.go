package app

import (
	"context"
	"database/sql"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/client"
	"github.com/RezaEskandarii/bookingworker/internal/db"
	"github.com/RezaEskandarii/bookingworker/internal/handlers"
	"github.com/RezaEskandarii/bookingworker/internal/llm"
	"github.com/RezaEskandarii/bookingworker/internal/lock"
	"github.com/RezaEskandarii/bookingworker/internal/message_broaker"
	"github.com/RezaEskandarii/bookingworker/internal/store"
	"github.com/RezaEskandarii/bookingworker/internal/store/memory"
	"github.com/RezaEskandarii/bookingworker/internal/store/postgres"
	redisstore "github.com/RezaEskandarii/bookingworker/internal/store/redis"
	"github.com/RezaEskandarii/bookingworker/pkg/circuitbreaker"
	"github.com/RezaEskandarii/bookingworker/pkg/retry"
	"github.com/RezaEskandarii/bookingworker/types/config"
	"github.com/redis/go-redis/v9"
	"io"
	"log/slog"

	_ "github.com/lib/pq"
)

const llmBreakerName = "llm"

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.WorkerConfig
	Logger *slog.Logger

	// Storage connections, at most one of them is set
	DB    *sql.DB
	Redis *redis.Client

	Store store.ScheduledJobStore

	// LockManager is nil unless storage is PostgreSQL.
	LockManager   lock.DistributedLockManager
	MessageBroker message_broaker.MessageBroker

	Breakers *circuitbreaker.Registry
	LLM      *llm.ResilientClient

	JobHandler *config.JobHandler
	Executor   *client.ScheduledJobExecutor

	// ownsStorage is false when the connection or store was injected; the
	// caller closes those.
	ownsStorage  bool
	startupRetry retry.Options
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle.
func NewContainer(ctx context.Context, cfg *config.WorkerConfig, logger *slog.Logger, opts ...ContainerOption) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	c := &Container{
		Config: cfg,
		Logger: logger.With(slog.String("instance", cfg.Instance)),
		DB:     opt.db,
		Redis:  opt.redis,
		Store:  opt.store,
	}
	c.startupRetry = retry.DefaultOptions()
	if opt.startupRetry != nil {
		c.startupRetry = *opt.startupRetry
	}
	c.startupRetry.Logger = c.Logger

	if c.Store == nil {
		if err := c.initStore(ctx); err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
	}

	broker, err := newMessageBroker(cfg, opt.broker, c.Logger)
	if err != nil {
		c.closeOwnedStorage()
		return nil, fmt.Errorf("init message broker: %w", err)
	}
	c.MessageBroker = broker

	c.Breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.LLMBreaker.FailureThreshold,
		SuccessThreshold: cfg.LLMBreaker.SuccessThreshold,
		ResetTimeout:     cfg.LLMBreaker.ResetTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			c.Logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	completer := opt.completer
	if completer == nil {
		completer = llm.PassthroughCompleter{}
	}
	retryOpts := retry.DefaultOptions()
	retryOpts.Logger = c.Logger
	c.LLM = llm.NewResilientClient(completer, c.Breakers.Get(llmBreakerName), retryOpts)

	c.JobHandler = config.NewJobHandler()
	if err := handlers.Register(c.JobHandler, c.LLM); err != nil {
		c.MessageBroker.Close()
		c.closeOwnedStorage()
		return nil, err
	}

	c.Executor = client.NewScheduledJobExecutor(c.Store, c.JobHandler, c.ExecutionContext(),
		client.WithBatchSize(cfg.BatchSize),
		client.WithWorkerCount(cfg.WorkerCount),
		client.WithRetryPolicy(cfg.RetryPolicy),
	)
	return c, nil
}

// initStore opens the configured backend. PostgreSQL schemas are migrated
// under the migration advisory lock before the store is used.
func (c *Container) initStore(ctx context.Context) error {
	cfg := c.Config
	switch cfg.StorageDriver {
	case config.Postgres:
		if c.DB == nil {
			sqlDB, err := openPostgresDB(cfg.PostgresConfig.ConnectionUrl)
			if err != nil {
				return err
			}
			c.DB = sqlDB
			c.ownsStorage = true
		}
		c.LockManager = lock.NewPostgresDistributedLockManager(c.DB)

		err := retry.Do(ctx, func(ctx context.Context) error {
			return db.Init(ctx, c.DB, c.LockManager, c.Logger)
		}, c.startupRetry)
		if err != nil {
			if c.ownsStorage {
				c.DB.Close()
			}
			return err
		}
		c.Store = postgres.NewPostgresScheduledJobStore(c.DB, cfg.Instance)

	case config.Redis:
		if c.Redis == nil {
			c.Redis = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisConfig.Address,
				Password: cfg.RedisConfig.Password,
				DB:       cfg.RedisConfig.DB,
			})
			c.ownsStorage = true
		}
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			if c.ownsStorage {
				c.Redis.Close()
			}
			return fmt.Errorf("ping redis: %w", err)
		}
		c.Store = redisstore.NewRedisScheduledJobStore(c.Redis, cfg.Instance)

	case config.Memory:
		c.Logger.Warn("using in-memory storage, jobs are lost on exit")
		c.Store = memory.NewMemoryScheduledJobStore(cfg.Instance)
		c.ownsStorage = true

	default:
		return fmt.Errorf("unsupported storage driver: %v", cfg.StorageDriver)
	}

	c.Logger.Info("storage ready", slog.String("driver", cfg.StorageDriver.String()))
	return nil
}

func openPostgresDB(connectionURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

func newMessageBroker(cfg *config.WorkerConfig, injected message_broaker.MessageBroker, logger *slog.Logger) (message_broaker.MessageBroker, error) {
	if injected != nil {
		return injected, nil
	}
	if !cfg.RabbitMQConfig.Enabled() {
		logger.Info("RabbitMQ not configured, notifications are logged only")
		return message_broaker.NewLogBroker(logger), nil
	}

	rc := cfg.RabbitMQConfig
	broker, err := message_broaker.NewRabbitMQ(rc.URL, rc.Exchange, rc.Queue, rc.RoutingKey, rc.ContentType, bindingKeys(rc)...)
	if err != nil {
		return nil, err
	}
	logger.Info("publishing to RabbitMQ",
		slog.String("exchange", rc.Exchange),
		slog.String("queue", rc.Queue),
		slog.Any("bindings", message_broaker.QueueBindings(rc.RoutingKey, bindingKeys(rc)...)),
	)
	return broker, nil
}

// bindingKeys is every key the notification queue needs beyond its own
// routing key: the configured extras and each handler's routing key.
func bindingKeys(rc *config.RabbitMQConfig) []string {
	keys := append([]string(nil), rc.BindingKeys...)
	return append(keys, handlers.RoutingKeys()...)
}

// ExecutionContext is what handlers and scheduled tasks receive on every run.
func (c *Container) ExecutionContext() config.ExecutionContext {
	return config.ExecutionContext{
		Store:    c.Store,
		Broker:   c.MessageBroker,
		Logger:   c.Logger,
		Instance: c.Config.Instance,
	}
}

// Closers lists the resources shutdown closes, the broker first so no
// message is published against a closed store.
func (c *Container) Closers() []io.Closer {
	closers := make([]io.Closer, 0, 2)
	if c.MessageBroker != nil {
		closers = append(closers, c.MessageBroker)
	}
	if c.Store != nil {
		closers = append(closers, c.Store)
	}
	return closers
}

func (c *Container) closeOwnedStorage() {
	if c.ownsStorage && c.Store != nil {
		c.Store.Close()
	}
}

func (c *Container) Close() error {
	var firstErr error
	for _, closer := range c.Closers() {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
