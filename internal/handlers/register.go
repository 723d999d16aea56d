package handlers

import (
	"github.com/RezaEskandarii/bookingworker/internal/llm"
	"github.com/RezaEskandarii/bookingworker/types"
	"github.com/RezaEskandarii/bookingworker/types/config"
)

// Register installs a handler for every job type and checks that none is
// left out.
func Register(jh *config.JobHandler, completer llm.Completer) error {
	if err := jh.Register(types.JobTypeBookingReminder, NewBookingReminderHandler(completer).Handle); err != nil {
		return err
	}
	if err := jh.Register(types.JobTypeReportGeneration, NewReportGenerationHandler().Handle); err != nil {
		return err
	}
	return jh.Validate()
}

// RoutingKeys lists every routing key the handlers publish with. The message
// queue must be bound with each of them.
func RoutingKeys() []string {
	return []string{BookingReminderRoutingKey, JobReportRoutingKey}
}
