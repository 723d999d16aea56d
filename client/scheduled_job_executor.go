package client

import (
	"context"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"github.com/RezaEskandarii/bookingworker/internal/store"
	"github.com/RezaEskandarii/bookingworker/pkg/retry"
	"github.com/RezaEskandarii/bookingworker/types"
	"github.com/RezaEskandarii/bookingworker/types/config"
	"golang.org/x/sync/semaphore"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ScheduledJobExecutor claims due jobs, runs their handlers and writes the
// resulting transition back to the store. Every claimed job leaves
// ProcessDueJobs completed, failed or pending again. Store errors on that final
// write are retried; only a store that keeps failing past the retry budget
// leaves a job processing.
type ScheduledJobExecutor struct {
	store       store.ScheduledJobStore
	jobHandler  *config.JobHandler
	execCtx     config.ExecutionContext
	policy      config.RetryPolicy
	batchSize   int
	workerCount int
	logger      *slog.Logger
	now         func() time.Time

	// updateRetry bounds how hard persist tries before a job is left
	// processing.
	updateRetry retry.Options
}

type ExecutorOption func(*ScheduledJobExecutor)

// WithBatchSize sets how many jobs one ProcessDueJobs call claims.
func WithBatchSize(n int) ExecutorOption {
	return func(e *ScheduledJobExecutor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithWorkerCount bounds how many jobs of one batch run at the same time.
func WithWorkerCount(n int) ExecutorOption {
	return func(e *ScheduledJobExecutor) {
		if n > 0 {
			e.workerCount = n
		}
	}
}

func WithRetryPolicy(p config.RetryPolicy) ExecutorOption {
	return func(e *ScheduledJobExecutor) {
		e.policy = p
	}
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *ScheduledJobExecutor) {
		e.now = now
	}
}

// WithUpdateRetry replaces the retry options used when writing a job's
// final state back to the store.
func WithUpdateRetry(opts retry.Options) ExecutorOption {
	return func(e *ScheduledJobExecutor) {
		e.updateRetry = opts
	}
}

func defaultUpdateRetry() retry.Options {
	return retry.Options{
		MaxRetries:        4,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

func NewScheduledJobExecutor(jobStore store.ScheduledJobStore, jobHandler *config.JobHandler, execCtx config.ExecutionContext, opts ...ExecutorOption) *ScheduledJobExecutor {
	logger := execCtx.Logger
	if logger == nil {
		logger = slog.Default()
		execCtx.Logger = logger
	}
	if execCtx.Store == nil {
		execCtx.Store = jobStore
	}

	e := &ScheduledJobExecutor{
		store:       jobStore,
		jobHandler:  jobHandler,
		execCtx:     execCtx,
		policy:      config.DefaultRetryPolicy(),
		batchSize:   config.DefaultBatchSize,
		workerCount: config.DefaultWorkerCount,
		logger:      logger,
		now:         time.Now,
		updateRetry: defaultUpdateRetry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.updateRetry.Logger == nil {
		e.updateRetry.Logger = logger
	}
	return e
}

// Enqueue inserts a pending job that becomes eligible at runAt.
func (e *ScheduledJobExecutor) Enqueue(ctx context.Context, jobType types.JobType, runAt time.Time, payload any) (int64, error) {
	jobID, err := e.store.Insert(ctx, jobType, runAt, payload)
	if err != nil {
		e.logger.Error("enqueue failed", slog.String("job_type", jobType.String()), slog.String("error", err.Error()))
		return 0, err
	}
	return jobID, nil
}

// ProcessDueJobs claims one batch and resolves every claimed job. It returns
// the number of jobs claimed. Cancelling ctx does not abandon claimed jobs:
// their handlers receive ctx, but the final updates are always written.
func (e *ScheduledJobExecutor) ProcessDueJobs(ctx context.Context) (int, error) {
	jobs, err := e.store.ClaimDue(ctx, e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	e.logger.Debug("claimed due jobs", slog.Int("count", len(jobs)))

	sem := semaphore.NewWeighted(int64(e.workerCount))
	var wg sync.WaitGroup
	persistCtx := context.WithoutCancel(ctx)

	for _, job := range jobs {
		// persistCtx is never cancelled, so Acquire cannot fail; it only
		// blocks until a slot is free.
		_ = sem.Acquire(persistCtx, 1)
		wg.Add(1)

		go func(job types.ScheduledJob) {
			defer func() {
				sem.Release(1)
				wg.Done()
			}()
			e.handleJob(ctx, job)
		}(job)
	}

	wg.Wait()
	return len(jobs), nil
}

func (e *ScheduledJobExecutor) handleJob(ctx context.Context, job types.ScheduledJob) {
	runErr := e.runHandler(ctx, job)
	result := e.resolve(job, runErr)
	e.persist(context.WithoutCancel(ctx), job, result)
}

// runHandler turns a handler panic into an ordinary failure.
func (e *ScheduledJobExecutor) runHandler(ctx context.Context, job types.ScheduledJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %d: %v", job.ID, r)
		}
	}()
	return e.jobHandler.Execute(ctx, job, e.execCtx)
}

// resolve decides the transition for a job that has just run.
func (e *ScheduledJobExecutor) resolve(job types.ScheduledJob, runErr error) types.JobResult {
	now := e.now()
	result := types.JobResult{
		JobID:    job.ID,
		JobType:  job.JobType,
		Err:      runErr,
		Attempts: job.Attempts,
		RanAt:    now,
	}

	switch {
	case runErr == nil:
		result.Status = state.StatusCompleted
	case job.Attempts >= e.policy.MaxAttempts:
		result.Status = state.StatusFailed
	default:
		result.Status = state.StatusPending
		result.NextRun = now.Add(RequeueDelay(job.Attempts, e.policy))
	}
	return result
}

func (e *ScheduledJobExecutor) persist(ctx context.Context, job types.ScheduledJob, res types.JobResult) {
	attrs := []any{
		slog.Int64("job_id", job.ID),
		slog.String("job_type", job.JobType.String()),
		slog.Int("attempts", job.Attempts),
	}

	if !state.IsValidTransition(state.StatusProcessing, res.Status) {
		e.logger.Error("invalid job transition", append(attrs, slog.String("to", res.Status.String()))...)
		return
	}

	var upd types.JobUpdate
	switch res.Status {
	case state.StatusCompleted:
		upd = types.CompletedUpdate(res.RanAt)
		e.logger.Info("job completed", attrs...)
	case state.StatusFailed:
		upd = types.FailedUpdate(res.Err.Error(), res.RanAt)
		e.logger.Error("job failed permanently", append(attrs,
			slog.Int("max_attempts", e.policy.MaxAttempts),
			slog.String("error", res.Err.Error()),
		)...)
	case state.StatusPending:
		upd = types.RequeueUpdate(res.Err.Error(), res.NextRun, res.RanAt)
		e.logger.Warn("job failed, requeued", append(attrs,
			slog.Duration("delay", res.NextRun.Sub(res.RanAt)),
			slog.Time("run_at", res.NextRun),
			slog.String("error", res.Err.Error()),
		)...)
	}

	err := retry.Do(ctx, func(ctx context.Context) error {
		err := e.store.Update(ctx, job.ID, upd)
		if errors.Is(err, store.ErrJobNotFound) {
			return retry.Permanent(err)
		}
		return err
	}, e.updateRetry)
	if err != nil {
		e.logger.Error("failed to update job", append(attrs,
			slog.String("status", res.Status.String()),
			slog.String("error", err.Error()),
		)...)
	}
}

// RequeueDelay is min(BaseDelay * BackoffMultiplier^(attempts-1), MaxDelay),
// where attempts already counts the run that just failed.
func RequeueDelay(attempts int, policy config.RetryPolicy) time.Duration {
	exponent := max(attempts-1, 0)
	d := float64(policy.BaseDelay) * math.Pow(policy.BackoffMultiplier, float64(exponent))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(policy.MaxDelay) {
		return policy.MaxDelay
	}
	return time.Duration(d)
}
