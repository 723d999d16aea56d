package postgres

import (
	"context"
	"database/sql"
	"errors"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"github.com/RezaEskandarii/bookingworker/internal/store"
	"github.com/RezaEskandarii/bookingworker/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"regexp"
	"testing"
	"time"
)

var columns = []string{"id", "job_type", "payload", "status", "attempts", "run_at", "last_error", "locked_by", "created_at", "updated_at"}

func TestNewPostgresScheduledJobStore(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")
	require.NotNil(t, s)
}

func TestPostgresScheduledJobStore_ClaimDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")
	now := time.Now()
	earlier := now.Add(-time.Hour)

	rows := sqlmock.NewRows(columns).
		AddRow(2, "report_generation", []byte(`{}`), "processing", 1, now, nil, "worker-1", now, now).
		AddRow(1, "booking_reminder", []byte(`{"booking_id":"b-1"}`), "processing", 3, earlier, nil, "worker-1", earlier, now)

	mock.ExpectQuery(`UPDATE scheduled_jobs(.|\n)*FOR UPDATE SKIP LOCKED(.|\n)*RETURNING`).
		WithArgs(state.StatusProcessing, "worker-1", state.StatusPending, 10).
		WillReturnRows(rows)

	jobs, err := s.ClaimDue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// ordered by run_at ascending regardless of RETURNING order
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.Equal(t, types.JobTypeBookingReminder, jobs[0].JobType)
	assert.Equal(t, state.StatusProcessing, jobs[0].Status)
	assert.Equal(t, 3, jobs[0].Attempts)
	assert.Nil(t, jobs[0].LastError)
	require.NotNil(t, jobs[0].LockedBy)
	assert.Equal(t, "worker-1", *jobs[0].LockedBy)
	assert.JSONEq(t, `{"booking_id":"b-1"}`, string(jobs[0].Payload))
	assert.Equal(t, int64(2), jobs[1].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScheduledJobStore_ClaimDue_ZeroLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")

	jobs, err := s.ClaimDue(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScheduledJobStore_ClaimDue_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")

	mock.ExpectQuery("UPDATE scheduled_jobs").
		WillReturnError(sql.ErrConnDone)

	_, err = s.ClaimDue(context.Background(), 5)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrConnDone))
	assert.Contains(t, err.Error(), "claim due jobs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScheduledJobStore_Update_Completed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE scheduled_jobs SET status = $1, last_error = NULL, updated_at = $2 WHERE id = $3")).
		WithArgs(state.StatusCompleted, now, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.Update(context.Background(), 7, types.CompletedUpdate(now))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScheduledJobStore_Update_Requeue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")
	now := time.Now()
	runAt := now.Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE scheduled_jobs SET status = $1, last_error = $2, run_at = $3, updated_at = $4 WHERE id = $5")).
		WithArgs(state.StatusPending, "timeout", runAt, now, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.Update(context.Background(), 7, types.RequeueUpdate("timeout", runAt, now))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScheduledJobStore_Update_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")

	mock.ExpectExec("UPDATE scheduled_jobs SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.Update(context.Background(), 999, types.FailedUpdate("boom", time.Now()))
	assert.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrJobNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScheduledJobStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")
	runAt := time.Now().Add(time.Hour)

	mock.ExpectQuery("INSERT INTO scheduled_jobs").
		WithArgs(types.JobTypeBookingReminder, []byte(`{"booking_id":"b-9"}`), state.StatusPending, runAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	jobID, err := s.Insert(context.Background(), types.JobTypeBookingReminder, runAt, map[string]string{"booking_id": "b-9"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), jobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScheduledJobStore_Insert_MarshalError(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")

	// channels can't be marshaled
	_, err = s.Insert(context.Background(), types.JobTypeBookingReminder, time.Now(), make(chan int))
	assert.Error(t, err)
}

func TestPostgresScheduledJobStore_FindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")

	mock.ExpectQuery("SELECT (.+) FROM scheduled_jobs WHERE id").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(columns))

	job, err := s.FindByID(context.Background(), 5)
	assert.Nil(t, job)
	assert.True(t, errors.Is(err, store.ErrJobNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScheduledJobStore_FindByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM scheduled_jobs WHERE id").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(5, "booking_reminder", []byte(`{}`), "failed", 5, now, "llm unavailable", nil, now, now))

	job, err := s.FindByID(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "llm unavailable", *job.LastError)
	assert.Nil(t, job.LockedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScheduledJobStore_CountAllJobsGroupedByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresScheduledJobStore(db, "worker-1")

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 4).
			AddRow("failed", 1))

	counts, err := s.CountAllJobsGroupedByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, counts[state.StatusPending])
	assert.Equal(t, 1, counts[state.StatusFailed])
	assert.Equal(t, 0, counts[state.StatusCompleted])
	assert.Equal(t, 0, counts[state.StatusProcessing])
	assert.NoError(t, mock.ExpectationsWereMet())
}
