package config

import (
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnv builds a WorkerConfig from the process environment. It never
// fails: absent, malformed or non-positive values fall back to defaults.
func LoadFromEnv() *WorkerConfig {
	cfg := defaultWorkerConfig(getEnv("WORKER_INSTANCE", ""))
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}

	if driver, ok := ParseStorageDriver(os.Getenv("STORAGE_DRIVER")); ok {
		cfg.StorageDriver = driver
	}
	cfg.WorkerCount = getPositiveIntEnv("WORKER_COUNT", DefaultWorkerCount)
	cfg.BatchSize = getPositiveIntEnv("JOB_BATCH_SIZE", DefaultBatchSize)

	cfg.ScheduledJobsInterval = getMillisEnv("SCHEDULED_JOBS_INTERVAL_MS", DefaultScheduledJobsInterval)
	cfg.ReportsInterval = getMillisEnv("REPORTS_INTERVAL_MS", DefaultReportsInterval)
	if spec := getEnv("REPORTS_CRON", ""); spec != "" {
		if _, err := cron.ParseStandard(spec); err == nil {
			cfg.ReportsCron = spec
		}
	}

	cfg.RetryPolicy = RetryPolicy{
		MaxAttempts:       getPositiveIntEnv("JOB_RETRY_MAX_ATTEMPTS", DefaultRetryMaxAttempts),
		BaseDelay:         getMillisEnv("JOB_RETRY_BASE_DELAY_MS", DefaultRetryBaseDelay),
		BackoffMultiplier: getMultiplierEnv("JOB_RETRY_BACKOFF_MULTIPLIER", DefaultRetryBackoffMultiplier),
		MaxDelay:          getMillisEnv("JOB_RETRY_MAX_DELAY_MS", DefaultRetryMaxDelay),
	}
	cfg.LLMBreaker = BreakerConfig{
		FailureThreshold: getPositiveIntEnv("LLM_BREAKER_FAILURE_THRESHOLD", DefaultBreakerFailureThreshold),
		SuccessThreshold: getPositiveIntEnv("LLM_BREAKER_SUCCESS_THRESHOLD", DefaultBreakerSuccessThreshold),
		ResetTimeout:     getMillisEnv("LLM_BREAKER_RESET_TIMEOUT_MS", DefaultBreakerResetTimeout),
	}
	cfg.ShutdownGrace = getMillisEnv("SHUTDOWN_GRACE_MS", DefaultShutdownGrace)
	cfg.LogLevel = getLogLevelEnv("LOG_LEVEL", DefaultLogLevel)

	cfg.PostgresConfig.ConnectionUrl = getEnv("DATABASE_URL", DefaultPostgresURL)
	cfg.RedisConfig = RedisConfig{
		Address:  getEnv("REDIS_ADDR", DefaultRedisAddress),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getNonNegativeIntEnv("REDIS_DB", 0),
	}

	if url := getEnv("RABBITMQ_URL", ""); url != "" {
		queue := getEnv("RABBITMQ_QUEUE", DefaultRabbitMQQueue)
		cfg.MQDriver = RabbitMQ
		cfg.RabbitMQConfig = &RabbitMQConfig{
			URL:         url,
			Exchange:    getEnv("RABBITMQ_EXCHANGE", DefaultRabbitMQExchange),
			Queue:       queue,
			RoutingKey:  queue,
			ContentType: DefaultRabbitContentType,
		}
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getPositiveIntEnv(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i > 0 {
			return i
		}
	}
	return defaultValue
}

func getNonNegativeIntEnv(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i >= 0 {
			return i
		}
	}
	return defaultValue
}

// getMultiplierEnv reads a backoff multiplier. Values of 1 or less would keep
// requeue delays flat or shrinking, so they fall back to defaultValue.
func getMultiplierEnv(key string, defaultValue float64) float64 {
	if value := getEnv(key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 1 && !math.IsInf(f, 0) {
			return f
		}
	}
	return defaultValue
}

// getMillisEnv reads a positive integer number of milliseconds.
func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	ms := getPositiveIntEnv(key, 0)
	if ms == 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

func getLogLevelEnv(key string, defaultValue slog.Level) slog.Level {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return defaultValue
	}
	return level
}
