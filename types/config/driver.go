package config

import "strings"

type StorageDriver int

const (
	Postgres StorageDriver = iota + 1
	Redis
	Memory
)

type MessageQueueDriver int

const (
	RabbitMQ MessageQueueDriver = iota + 1
)

func (d MessageQueueDriver) String() string {
	switch d {
	case RabbitMQ:
		return "rabbitmq"
	default:
		return "unknown"
	}
}

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case Redis:
		return "redis"
	case Memory:
		return "memory"
	}
	return "unknown"
}

// ParseStorageDriver accepts the names produced by String, case-insensitively.
func ParseStorageDriver(s string) (StorageDriver, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql":
		return Postgres, true
	case "redis":
		return Redis, true
	case "memory":
		return Memory, true
	}
	return 0, false
}
