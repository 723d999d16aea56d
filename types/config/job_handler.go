package config

import (
	"context"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/types"
	"slices"
	"sort"
	"sync"
)

var (
	ErrHandlerNotFound = errors.New("handler not found")
	ErrHandlerExists   = errors.New("handler already registered")
)

// HandlerFunc runs one claimed job. A nil return marks the job completed;
// any error is recorded on the job and drives the retry policy.
type HandlerFunc func(ctx context.Context, job types.ScheduledJob, ec ExecutionContext) error

// JobHandler maps each job type to exactly one handler.
type JobHandler struct {
	handlers map[types.JobType]HandlerFunc
	mutex    sync.RWMutex
}

func NewJobHandler() *JobHandler {
	return &JobHandler{
		handlers: make(map[types.JobType]HandlerFunc),
	}
}

// Register adds the handler for a known job type.
func (jh *JobHandler) Register(jobType types.JobType, handler HandlerFunc) error {
	if !jobType.IsKnown() {
		return fmt.Errorf("unknown job type '%s'", jobType)
	}
	if handler == nil {
		return fmt.Errorf("handler for '%s' must not be nil", jobType)
	}

	jh.mutex.Lock()
	defer jh.mutex.Unlock()

	if _, exists := jh.handlers[jobType]; exists {
		return fmt.Errorf("'%s': %w", jobType, ErrHandlerExists)
	}
	jh.handlers[jobType] = handler
	return nil
}

func (jh *JobHandler) Exists(jobType types.JobType) bool {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	_, exists := jh.handlers[jobType]
	return exists
}

// Execute dispatches job to the handler registered for its type.
func (jh *JobHandler) Execute(ctx context.Context, job types.ScheduledJob, ec ExecutionContext) error {
	jh.mutex.RLock()
	handler, exists := jh.handlers[job.JobType]
	jh.mutex.RUnlock()

	if !exists {
		return fmt.Errorf("job type '%s': %w", job.JobType, ErrHandlerNotFound)
	}
	return handler(ctx, job, ec)
}

func (jh *JobHandler) List() []types.JobType {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	jobTypes := make([]types.JobType, 0, len(jh.handlers))
	for jobType := range jh.handlers {
		jobTypes = append(jobTypes, jobType)
	}
	sort.Slice(jobTypes, func(i, j int) bool { return jobTypes[i] < jobTypes[j] })
	return jobTypes
}

// Validate reports every known job type that has no handler. Call it once at
// startup so a missing handler fails the boot instead of every job.
func (jh *JobHandler) Validate() error {
	registered := jh.List()

	var missing []error
	for _, jobType := range types.AllJobTypes {
		if !slices.Contains(registered, jobType) {
			missing = append(missing, fmt.Errorf("job type '%s': %w", jobType, ErrHandlerNotFound))
		}
	}
	return errors.Join(missing...)
}
