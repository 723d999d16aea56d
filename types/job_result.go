package types

import (
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"time"
)

// JobResult describes the transition written back for one claimed job.
type JobResult struct {
	JobID    int64
	JobType  JobType
	Err      error
	Attempts int
	Status   state.JobStatus
	RanAt    time.Time
	NextRun  time.Time
}
