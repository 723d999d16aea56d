package config

import (
	"github.com/RezaEskandarii/bookingworker/internal/message_broaker"
	"github.com/RezaEskandarii/bookingworker/internal/store"
	"log/slog"
)

// ExecutionContext is handed to every task run and job handler. It replaces
// process-wide globals: whatever a handler needs is reachable from here.
type ExecutionContext struct {
	Store    store.ScheduledJobStore
	Broker   message_broaker.MessageBroker
	Logger   *slog.Logger
	Instance string
}
