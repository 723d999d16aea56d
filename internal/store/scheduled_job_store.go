package store

import (
	"context"
	"errors"
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"github.com/RezaEskandarii/bookingworker/types"
	"time"
)

var ErrJobNotFound = errors.New("scheduled job not found")

// ScheduledJobStore defines the persistence contract of the job engine.
type ScheduledJobStore interface {
	// ClaimDue atomically selects up to limit pending jobs whose run_at <= now,
	// ordered by run_at, marks them processing, increments attempts, clears
	// last_error and returns the updated rows. Rows claimed by a concurrent
	// caller are skipped, never returned twice.
	ClaimDue(ctx context.Context, limit int) ([]types.ScheduledJob, error)

	// Update applies a partial update to the job with the given ID.
	Update(ctx context.Context, id int64, upd types.JobUpdate) error

	// Insert creates a pending job with zero attempts and returns its ID.
	Insert(ctx context.Context, jobType types.JobType, runAt time.Time, payload any) (int64, error)

	FindByID(ctx context.Context, id int64) (*types.ScheduledJob, error)

	CountAllJobsGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error)

	// Close closes the underlying connection
	Close() error
}
