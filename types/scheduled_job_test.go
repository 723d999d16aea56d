package types

import (
	"encoding/json"
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestJobType_IsKnown(t *testing.T) {
	assert.True(t, JobTypeBookingReminder.IsKnown())
	assert.True(t, JobTypeReportGeneration.IsKnown())
	assert.False(t, JobType("send_fax").IsKnown())
}

func TestScheduledJob_DecodePayload(t *testing.T) {
	job := ScheduledJob{Payload: json.RawMessage(`{"booking_id":"b-1"}`)}

	var payload struct {
		BookingID string `json:"booking_id"`
	}
	require.NoError(t, job.DecodePayload(&payload))
	assert.Equal(t, "b-1", payload.BookingID)

	empty := ScheduledJob{}
	assert.NoError(t, empty.DecodePayload(&payload))
}

func TestJobUpdateConstructors(t *testing.T) {
	now := time.Now()

	completed := CompletedUpdate(now)
	require.NotNil(t, completed.Status)
	assert.Equal(t, state.StatusCompleted, *completed.Status)
	assert.True(t, completed.ClearLastError)
	assert.Nil(t, completed.RunAt)

	failed := FailedUpdate("boom", now)
	assert.Equal(t, state.StatusFailed, *failed.Status)
	assert.Equal(t, "boom", *failed.LastError)

	runAt := now.Add(time.Minute)
	requeued := RequeueUpdate("boom", runAt, now)
	assert.Equal(t, state.StatusPending, *requeued.Status)
	assert.Equal(t, runAt, *requeued.RunAt)
}
