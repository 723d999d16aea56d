package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"github.com/RezaEskandarii/bookingworker/internal/store"
	"github.com/RezaEskandarii/bookingworker/types"
	"sort"
	"sync"
	"time"
)

// MemoryScheduledJobStore keeps jobs in process memory. A single mutex makes
// ClaimDue atomic, which is the in-process equivalent of a skip-locked claim.
type MemoryScheduledJobStore struct {
	mu       sync.Mutex
	jobs     map[int64]*types.ScheduledJob
	nextID   int64
	instance string
	now      func() time.Time
}

func NewMemoryScheduledJobStore(instance string) *MemoryScheduledJobStore {
	return &MemoryScheduledJobStore{
		jobs:     make(map[int64]*types.ScheduledJob),
		instance: instance,
		now:      time.Now,
	}
}

// WithClock replaces the time source used to decide which jobs are due.
func (s *MemoryScheduledJobStore) WithClock(now func() time.Time) *MemoryScheduledJobStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryScheduledJobStore) ClaimDue(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*types.ScheduledJob
	for _, job := range s.jobs {
		if job.Status == state.StatusPending && !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]types.ScheduledJob, 0, len(due))
	for _, job := range due {
		instance := s.instance
		job.Status = state.StatusProcessing
		job.Attempts++
		job.LastError = nil
		job.LockedBy = &instance
		job.UpdatedAt = now
		claimed = append(claimed, clone(job))
	}
	return claimed, nil
}

func (s *MemoryScheduledJobStore) Update(ctx context.Context, id int64, upd types.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}

	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.ClearLastError {
		job.LastError = nil
	} else if upd.LastError != nil {
		msg := *upd.LastError
		job.LastError = &msg
	}
	if upd.RunAt != nil {
		job.RunAt = *upd.RunAt
	}
	if upd.UpdatedAt.IsZero() {
		job.UpdatedAt = s.now()
	} else {
		job.UpdatedAt = upd.UpdatedAt
	}
	return nil
}

func (s *MemoryScheduledJobStore) Insert(ctx context.Context, jobType types.JobType, runAt time.Time, payload any) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return -1, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now()
	s.jobs[s.nextID] = &types.ScheduledJob{
		ID:        s.nextID,
		JobType:   jobType,
		Payload:   payloadJSON,
		Status:    state.StatusPending,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.nextID, nil
}

func (s *MemoryScheduledJobStore) FindByID(ctx context.Context, id int64) (*types.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}
	c := clone(job)
	return &c, nil
}

func (s *MemoryScheduledJobStore) CountAllJobsGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[state.JobStatus]int, len(state.AllStatuses))
	for _, status := range state.AllStatuses {
		result[status] = 0
	}
	for _, job := range s.jobs {
		result[job.Status]++
	}
	return result, nil
}

func (s *MemoryScheduledJobStore) Close() error {
	return nil
}

func clone(job *types.ScheduledJob) types.ScheduledJob {
	c := *job
	if job.Payload != nil {
		c.Payload = append([]byte(nil), job.Payload...)
	}
	if job.LastError != nil {
		msg := *job.LastError
		c.LastError = &msg
	}
	if job.LockedBy != nil {
		by := *job.LockedBy
		c.LockedBy = &by
	}
	return c
}
