package mocks

import (
	"context"
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"github.com/RezaEskandarii/bookingworker/types"
	"sync"
	"time"
)

// MockScheduledJobStore is a mock implementation of store.ScheduledJobStore for testing.
// Updates are recorded in order so tests can assert on every transition.
type MockScheduledJobStore struct {
	ClaimDueFunc                    func(ctx context.Context, limit int) ([]types.ScheduledJob, error)
	UpdateFunc                      func(ctx context.Context, id int64, upd types.JobUpdate) error
	InsertFunc                      func(ctx context.Context, jobType types.JobType, runAt time.Time, payload any) (int64, error)
	FindByIDFunc                    func(ctx context.Context, id int64) (*types.ScheduledJob, error)
	CountAllJobsGroupedByStatusFunc func(ctx context.Context) (map[state.JobStatus]int, error)
	CloseFunc                       func() error

	mu      sync.Mutex
	Updates []RecordedUpdate
}

type RecordedUpdate struct {
	ID     int64
	Update types.JobUpdate
}

func (m *MockScheduledJobStore) ClaimDue(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
	if m.ClaimDueFunc != nil {
		return m.ClaimDueFunc(ctx, limit)
	}
	return nil, nil
}

func (m *MockScheduledJobStore) Update(ctx context.Context, id int64, upd types.JobUpdate) error {
	m.mu.Lock()
	m.Updates = append(m.Updates, RecordedUpdate{ID: id, Update: upd})
	m.mu.Unlock()

	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, id, upd)
	}
	return nil
}

func (m *MockScheduledJobStore) Insert(ctx context.Context, jobType types.JobType, runAt time.Time, payload any) (int64, error) {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, jobType, runAt, payload)
	}
	return 0, nil
}

func (m *MockScheduledJobStore) FindByID(ctx context.Context, id int64) (*types.ScheduledJob, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockScheduledJobStore) CountAllJobsGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	if m.CountAllJobsGroupedByStatusFunc != nil {
		return m.CountAllJobsGroupedByStatusFunc(ctx)
	}
	return map[state.JobStatus]int{}, nil
}

func (m *MockScheduledJobStore) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// RecordedUpdates returns a copy of the updates seen so far.
func (m *MockScheduledJobStore) RecordedUpdates() []RecordedUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedUpdate(nil), m.Updates...)
}
