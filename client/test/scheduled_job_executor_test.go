package test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/client"
	"github.com/RezaEskandarii/bookingworker/client/test/mocks"
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"github.com/RezaEskandarii/bookingworker/internal/store"
	"github.com/RezaEskandarii/bookingworker/internal/store/memory"
	"github.com/RezaEskandarii/bookingworker/pkg/retry"
	"github.com/RezaEskandarii/bookingworker/types"
	"github.com/RezaEskandarii/bookingworker/types/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	if buf == nil {
		buf = &bytes.Buffer{}
	}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func defaultPolicy() config.RetryPolicy {
	return config.RetryPolicy{MaxAttempts: 5, BaseDelay: 60 * time.Second, BackoffMultiplier: 2, MaxDelay: time.Hour}
}

func claimed(id int64, jobType types.JobType, attempts int) types.ScheduledJob {
	return types.ScheduledJob{ID: id, JobType: jobType, Status: state.StatusProcessing, Attempts: attempts, RunAt: fixedNow}
}

func newExecutor(jobStore *mocks.MockScheduledJobStore, jh *config.JobHandler, opts ...client.ExecutorOption) *client.ScheduledJobExecutor {
	opts = append([]client.ExecutorOption{
		client.WithRetryPolicy(defaultPolicy()),
		client.WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	return client.NewScheduledJobExecutor(jobStore, jh, config.ExecutionContext{Logger: testLogger(nil)}, opts...)
}

func handlerReturning(t *testing.T, err error) *config.JobHandler {
	t.Helper()
	jh := config.NewJobHandler()
	require.NoError(t, jh.Register(types.JobTypeBookingReminder, func(context.Context, types.ScheduledJob, config.ExecutionContext) error {
		return err
	}))
	return jh
}

func TestRequeueDelay_ExponentialThenCapped(t *testing.T) {
	policy := defaultPolicy()
	want := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		960 * time.Second,
		1920 * time.Second,
		3600 * time.Second, // 3840s capped
	}

	var previous time.Duration
	for i, expected := range want {
		attempts := i + 1
		got := client.RequeueDelay(attempts, policy)
		assert.Equal(t, expected, got, "attempts=%d", attempts)
		assert.LessOrEqual(t, got, policy.MaxDelay)
		if attempts > 1 && attempts < 7 {
			assert.Greater(t, got, previous)
		}
		previous = got
	}
	assert.Equal(t, policy.MaxDelay, client.RequeueDelay(500, policy))
}

func TestScheduledJobExecutor_ProcessDueJobs_Success(t *testing.T) {
	jobStore := &mocks.MockScheduledJobStore{
		ClaimDueFunc: func(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
			assert.Equal(t, 10, limit)
			return []types.ScheduledJob{claimed(1, types.JobTypeBookingReminder, 1)}, nil
		},
	}
	executor := newExecutor(jobStore, handlerReturning(t, nil), client.WithBatchSize(10))

	n, err := executor.ProcessDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updates := jobStore.RecordedUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, int64(1), updates[0].ID)
	assert.Equal(t, types.CompletedUpdate(fixedNow), updates[0].Update)
}

func TestScheduledJobExecutor_ProcessDueJobs_FailureRequeues(t *testing.T) {
	jobStore := &mocks.MockScheduledJobStore{
		ClaimDueFunc: func(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
			return []types.ScheduledJob{claimed(7, types.JobTypeBookingReminder, 2)}, nil
		},
	}
	executor := newExecutor(jobStore, handlerReturning(t, errors.New("llm timeout")))

	_, err := executor.ProcessDueJobs(context.Background())
	require.NoError(t, err)

	updates := jobStore.RecordedUpdates()
	require.Len(t, updates, 1)
	upd := updates[0].Update
	require.NotNil(t, upd.Status)
	assert.Equal(t, state.StatusPending, *upd.Status)
	require.NotNil(t, upd.RunAt)
	assert.Equal(t, fixedNow.Add(120*time.Second), *upd.RunAt)
	require.NotNil(t, upd.LastError)
	assert.Equal(t, "llm timeout", *upd.LastError)
}

func TestScheduledJobExecutor_ProcessDueJobs_FailsAtMaxAttempts(t *testing.T) {
	jobStore := &mocks.MockScheduledJobStore{
		ClaimDueFunc: func(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
			return []types.ScheduledJob{claimed(3, types.JobTypeBookingReminder, 5)}, nil
		},
	}
	executor := newExecutor(jobStore, handlerReturning(t, errors.New("still broken")))

	_, err := executor.ProcessDueJobs(context.Background())
	require.NoError(t, err)

	updates := jobStore.RecordedUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, types.FailedUpdate("still broken", fixedNow), updates[0].Update)
	assert.Nil(t, updates[0].Update.RunAt, "a failed job is never rescheduled")
}

func TestScheduledJobExecutor_ProcessDueJobs_UnknownJobTypeIsFailure(t *testing.T) {
	jobStore := &mocks.MockScheduledJobStore{
		ClaimDueFunc: func(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
			return []types.ScheduledJob{claimed(4, "send_fax", 1)}, nil
		},
	}
	executor := newExecutor(jobStore, config.NewJobHandler())

	_, err := executor.ProcessDueJobs(context.Background())
	require.NoError(t, err)

	updates := jobStore.RecordedUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, state.StatusPending, *updates[0].Update.Status)
	assert.Contains(t, *updates[0].Update.LastError, "handler not found")
}

func TestScheduledJobExecutor_ProcessDueJobs_RecoversPanics(t *testing.T) {
	jh := config.NewJobHandler()
	require.NoError(t, jh.Register(types.JobTypeReportGeneration, func(context.Context, types.ScheduledJob, config.ExecutionContext) error {
		panic("nil map")
	}))
	jobStore := &mocks.MockScheduledJobStore{
		ClaimDueFunc: func(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
			return []types.ScheduledJob{claimed(5, types.JobTypeReportGeneration, 1)}, nil
		},
	}
	executor := newExecutor(jobStore, jh)

	n, err := executor.ProcessDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updates := jobStore.RecordedUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, state.StatusPending, *updates[0].Update.Status)
	assert.Contains(t, *updates[0].Update.LastError, "panic in job 5: nil map")
}

func TestScheduledJobExecutor_ProcessDueJobs_ClaimError(t *testing.T) {
	jobStore := &mocks.MockScheduledJobStore{
		ClaimDueFunc: func(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
			return nil, errors.New("connection refused")
		},
	}
	executor := newExecutor(jobStore, config.NewJobHandler())

	n, err := executor.ProcessDueJobs(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Contains(t, err.Error(), "claim due jobs")
	assert.Empty(t, jobStore.RecordedUpdates())
}

func TestScheduledJobExecutor_ProcessDueJobs_UpdateErrorDoesNotStopBatch(t *testing.T) {
	jobStore := &mocks.MockScheduledJobStore{
		ClaimDueFunc: func(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
			return []types.ScheduledJob{
				claimed(1, types.JobTypeBookingReminder, 1),
				claimed(2, types.JobTypeBookingReminder, 1),
			}, nil
		},
		UpdateFunc: func(ctx context.Context, id int64, upd types.JobUpdate) error {
			if id == 1 {
				return errors.New("deadlock detected")
			}
			return nil
		},
	}
	var logs bytes.Buffer
	executor := client.NewScheduledJobExecutor(jobStore, handlerReturning(t, nil), config.ExecutionContext{Logger: testLogger(&logs)},
		client.WithUpdateRetry(noWaitRetry(2)),
	)

	n, err := executor.ProcessDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var job1, job2 int
	for _, u := range jobStore.RecordedUpdates() {
		switch u.ID {
		case 1:
			job1++
		case 2:
			job2++
		}
	}
	assert.Equal(t, 3, job1, "first write plus two retries")
	assert.Equal(t, 1, job2)
	assert.Contains(t, logs.String(), "failed to update job")
	assert.Contains(t, logs.String(), "job_id=1")
}

func noWaitRetry(maxRetries int) retry.Options {
	return retry.Options{
		MaxRetries:        maxRetries,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2,
		Logger:            testLogger(nil),
		Sleep:             func(context.Context, time.Duration) error { return nil },
	}
}

// flakyStore fails the first failures calls to Update, then delegates.
type flakyStore struct {
	*memory.MemoryScheduledJobStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Update(ctx context.Context, id int64, upd types.JobUpdate) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.MemoryScheduledJobStore.Update(ctx, id, upd)
}

func TestScheduledJobExecutor_TransientUpdateErrorIsRetried(t *testing.T) {
	ctx := context.Background()
	jobStore := &flakyStore{MemoryScheduledJobStore: memory.NewMemoryScheduledJobStore("worker-1"), failures: 1}
	id, err := jobStore.Insert(ctx, types.JobTypeBookingReminder, time.Now().Add(-time.Second), map[string]string{"booking_id": "b-1"})
	require.NoError(t, err)

	executor := client.NewScheduledJobExecutor(jobStore, handlerReturning(t, nil), config.ExecutionContext{Logger: testLogger(nil)},
		client.WithUpdateRetry(noWaitRetry(3)),
	)

	n, err := executor.ProcessDueJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := jobStore.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, job.Status)
	assert.Zero(t, jobStore.failures)
}

func TestScheduledJobExecutor_UpdateNotFoundIsNotRetried(t *testing.T) {
	jobStore := &mocks.MockScheduledJobStore{
		ClaimDueFunc: func(context.Context, int) ([]types.ScheduledJob, error) {
			return []types.ScheduledJob{claimed(1, types.JobTypeBookingReminder, 1)}, nil
		},
		UpdateFunc: func(context.Context, int64, types.JobUpdate) error {
			return fmt.Errorf("job 1: %w", store.ErrJobNotFound)
		},
	}
	executor := newExecutor(jobStore, handlerReturning(t, nil), client.WithUpdateRetry(noWaitRetry(3)))

	_, err := executor.ProcessDueJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobStore.RecordedUpdates(), 1)
}

func TestScheduledJobExecutor_ProcessDueJobs_CancelledContextStillResolvesJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	jobStore := &mocks.MockScheduledJobStore{
		ClaimDueFunc: func(context.Context, int) ([]types.ScheduledJob, error) {
			cancel()
			return []types.ScheduledJob{claimed(1, types.JobTypeBookingReminder, 1)}, nil
		},
		UpdateFunc: func(ctx context.Context, id int64, upd types.JobUpdate) error {
			return ctx.Err()
		},
	}
	executor := newExecutor(jobStore, handlerReturning(t, nil))

	_, err := executor.ProcessDueJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobStore.RecordedUpdates(), 1)
}

func TestScheduledJobExecutor_WorkerCountBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	jh := config.NewJobHandler()
	require.NoError(t, jh.Register(types.JobTypeBookingReminder, func(context.Context, types.ScheduledJob, config.ExecutionContext) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil
	}))

	jobStore := &mocks.MockScheduledJobStore{
		ClaimDueFunc: func(context.Context, int) ([]types.ScheduledJob, error) {
			jobs := make([]types.ScheduledJob, 8)
			for i := range jobs {
				jobs[i] = claimed(int64(i+1), types.JobTypeBookingReminder, 1)
			}
			return jobs, nil
		},
	}
	executor := newExecutor(jobStore, jh, client.WithWorkerCount(3))

	n, err := executor.ProcessDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Len(t, jobStore.RecordedUpdates(), 8)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestScheduledJobExecutor_Enqueue(t *testing.T) {
	runAt := fixedNow.Add(time.Hour)
	jobStore := &mocks.MockScheduledJobStore{
		InsertFunc: func(ctx context.Context, jobType types.JobType, at time.Time, payload any) (int64, error) {
			assert.Equal(t, types.JobTypeReportGeneration, jobType)
			assert.Equal(t, runAt, at)
			return 11, nil
		},
	}
	executor := newExecutor(jobStore, config.NewJobHandler())

	id, err := executor.Enqueue(context.Background(), types.JobTypeReportGeneration, runAt, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
}

// Runs a job that always fails against the in-memory store until it is dead,
// checking the attempts and status invariants after every tick.
func TestScheduledJobExecutor_AlwaysFailingJobLifecycle(t *testing.T) {
	var mu sync.Mutex
	now := fixedNow
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	jobStore := memory.NewMemoryScheduledJobStore("worker-1").WithClock(clock)
	id, err := jobStore.Insert(context.Background(), types.JobTypeBookingReminder, fixedNow, map[string]string{"booking_id": "b-1"})
	require.NoError(t, err)

	jh := config.NewJobHandler()
	require.NoError(t, jh.Register(types.JobTypeBookingReminder, func(context.Context, types.ScheduledJob, config.ExecutionContext) error {
		return errors.New("llm unavailable")
	}))
	executor := client.NewScheduledJobExecutor(jobStore, jh, config.ExecutionContext{Logger: testLogger(nil)},
		client.WithRetryPolicy(defaultPolicy()),
		client.WithClock(clock),
	)

	expectedDelays := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second}
	for claims := 1; claims <= 5; claims++ {
		n, err := executor.ProcessDueJobs(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n, "claim %d", claims)

		job, err := jobStore.FindByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, claims, job.Attempts)
		assert.NotEqual(t, state.StatusProcessing, job.Status)

		if claims < 5 {
			assert.Equal(t, state.StatusPending, job.Status)
			assert.Equal(t, clock().Add(expectedDelays[claims-1]), job.RunAt)

			n, err = executor.ProcessDueJobs(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, n, "job is not due before its delay elapses")

			advance(expectedDelays[claims-1])
		} else {
			assert.Equal(t, state.StatusFailed, job.Status)
			require.NotNil(t, job.LastError)
			assert.Equal(t, "llm unavailable", *job.LastError)
		}
	}

	advance(24 * time.Hour)
	n, err := executor.ProcessDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a failed job is never claimed again")
}

func slogTo(w *syncBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
