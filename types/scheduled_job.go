package types

import (
	"encoding/json"
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"time"
)

// JobType selects the handler that runs a ScheduledJob.
type JobType string

const (
	JobTypeBookingReminder  JobType = "booking_reminder"
	JobTypeReportGeneration JobType = "report_generation"
)

// AllJobTypes enumerates every job type the worker knows how to run.
var AllJobTypes = []JobType{
	JobTypeBookingReminder,
	JobTypeReportGeneration,
}

func (t JobType) String() string {
	return string(t)
}

func (t JobType) IsKnown() bool {
	for _, known := range AllJobTypes {
		if t == known {
			return true
		}
	}
	return false
}

type ScheduledJob struct {
	ID        int64
	JobType   JobType
	Payload   json.RawMessage
	Status    state.JobStatus
	Attempts  int
	RunAt     time.Time
	LastError *string
	LockedBy  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DecodePayload unmarshals the job payload into v.
func (j ScheduledJob) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Payload, v)
}
