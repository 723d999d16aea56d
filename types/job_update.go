package types

import (
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"time"
)

// JobUpdate is a partial update applied to one job by primary key.
// Nil fields are left untouched. ClearLastError sets last_error to NULL and
// takes precedence over LastError.
type JobUpdate struct {
	Status         *state.JobStatus
	LastError      *string
	ClearLastError bool
	RunAt          *time.Time
	UpdatedAt      time.Time
}

func CompletedUpdate(now time.Time) JobUpdate {
	status := state.StatusCompleted
	return JobUpdate{Status: &status, ClearLastError: true, UpdatedAt: now}
}

func FailedUpdate(errMsg string, now time.Time) JobUpdate {
	status := state.StatusFailed
	return JobUpdate{Status: &status, LastError: &errMsg, UpdatedAt: now}
}

func RequeueUpdate(errMsg string, runAt, now time.Time) JobUpdate {
	status := state.StatusPending
	return JobUpdate{Status: &status, LastError: &errMsg, RunAt: &runAt, UpdatedAt: now}
}
