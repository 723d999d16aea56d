package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/internal/llm"
	"github.com/RezaEskandarii/bookingworker/types"
	"github.com/RezaEskandarii/bookingworker/types/config"
	"log/slog"
	"strings"
	"time"
)

const BookingReminderRoutingKey = "booking.reminder"

type BookingReminderPayload struct {
	BookingID    string    `json:"booking_id"`
	GuestName    string    `json:"guest_name"`
	GuestEmail   string    `json:"guest_email"`
	PropertyName string    `json:"property_name"`
	CheckIn      time.Time `json:"check_in"`
}

func (p BookingReminderPayload) validate() error {
	var missing []string
	if p.BookingID == "" {
		missing = append(missing, "booking_id")
	}
	if p.GuestEmail == "" {
		missing = append(missing, "guest_email")
	}
	if p.CheckIn.IsZero() {
		missing = append(missing, "check_in")
	}
	if len(missing) > 0 {
		return fmt.Errorf("booking reminder payload: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

type BookingReminderNotification struct {
	JobID      int64     `json:"job_id"`
	BookingID  string    `json:"booking_id"`
	GuestEmail string    `json:"guest_email"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// BookingReminderHandler drafts the reminder text with the language model and
// publishes it for the notification service.
type BookingReminderHandler struct {
	llm llm.Completer
	now func() time.Time
}

func NewBookingReminderHandler(completer llm.Completer) *BookingReminderHandler {
	return &BookingReminderHandler{llm: completer, now: time.Now}
}

func (h *BookingReminderHandler) Handle(ctx context.Context, job types.ScheduledJob, ec config.ExecutionContext) error {
	var payload BookingReminderPayload
	if err := job.DecodePayload(&payload); err != nil {
		return fmt.Errorf("decode booking reminder payload: %w", err)
	}
	if err := payload.validate(); err != nil {
		return err
	}

	message, err := h.llm.Complete(ctx, reminderPrompt(payload))
	if err != nil {
		return fmt.Errorf("draft reminder for booking %s: %w", payload.BookingID, err)
	}

	body, err := json.Marshal(BookingReminderNotification{
		JobID:      job.ID,
		BookingID:  payload.BookingID,
		GuestEmail: payload.GuestEmail,
		Message:    message,
		CreatedAt:  h.now().UTC(),
	})
	if err != nil {
		return err
	}

	if ec.Broker == nil {
		return errors.New("no message broker configured")
	}
	if err := ec.Broker.Publish(ctx, BookingReminderRoutingKey, body); err != nil {
		return fmt.Errorf("publish reminder for booking %s: %w", payload.BookingID, err)
	}

	if ec.Logger != nil {
		ec.Logger.InfoContext(ctx, "booking reminder sent",
			slog.Int64("job_id", job.ID),
			slog.String("booking_id", payload.BookingID),
		)
	}
	return nil
}

func reminderPrompt(p BookingReminderPayload) string {
	guest := p.GuestName
	if guest == "" {
		guest = "there"
	}
	property := p.PropertyName
	if property == "" {
		property = "your accommodation"
	}
	return fmt.Sprintf("Hi %s, this is a reminder that your stay at %s (booking %s) starts on %s. We look forward to welcoming you.",
		guest, property, p.BookingID, p.CheckIn.Format("Monday, 2 January 2006"))
}
