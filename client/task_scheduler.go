package client

import (
	"context"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/types/config"
	"github.com/robfig/cron/v3"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one named unit of periodic work. Exactly one of Period and Spec
// selects its timer: Period fires every Period on a free-running timer, Spec
// is a standard five-field cron expression.
type Task struct {
	Name   string
	Period time.Duration
	Spec   string
	Run    func(ctx context.Context, ec config.ExecutionContext) error
}

type scheduledTask struct {
	Task
	schedule cron.Schedule
	running  atomic.Bool
}

// TaskScheduler owns the timers of a fixed set of tasks. Each task runs once
// on Start and then on its timer. A tick that arrives while the previous run
// of the same task is still in flight is skipped, not queued.
type TaskScheduler struct {
	cron    *cron.Cron
	execCtx config.ExecutionContext
	logger  *slog.Logger
	tasks   []*scheduledTask

	mu       sync.Mutex
	started  bool
	stopped  bool
	runCtx   context.Context
	inFlight sync.WaitGroup
}

func NewTaskScheduler(execCtx config.ExecutionContext, logger *slog.Logger, tasks ...Task) (*TaskScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if execCtx.Logger == nil {
		execCtx.Logger = logger
	}

	s := &TaskScheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger{logger: logger}),
		),
		execCtx: execCtx,
		logger:  logger,
	}

	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		schedule, err := scheduleFor(task)
		if err != nil {
			return nil, err
		}
		if seen[task.Name] {
			return nil, fmt.Errorf("task %q registered twice", task.Name)
		}
		seen[task.Name] = true
		s.tasks = append(s.tasks, &scheduledTask{Task: task, schedule: schedule})
	}
	return s, nil
}

func scheduleFor(task Task) (cron.Schedule, error) {
	if task.Name == "" {
		return nil, errors.New("task name is required")
	}
	if task.Run == nil {
		return nil, fmt.Errorf("task %q has no run function", task.Name)
	}
	if task.Spec != "" {
		schedule, err := cron.ParseStandard(task.Spec)
		if err != nil {
			return nil, fmt.Errorf("task %q: invalid cron spec %q: %w", task.Name, task.Spec, err)
		}
		return schedule, nil
	}
	if task.Period <= 0 {
		return nil, fmt.Errorf("task %q: period must be positive", task.Name)
	}
	return everySchedule{period: task.Period}, nil
}

// everySchedule fires every period after the previous activation. Unlike
// cron.Every it keeps sub-second periods.
type everySchedule struct {
	period time.Duration
}

func (e everySchedule) Next(t time.Time) time.Time {
	return t.Add(e.period)
}

// Start arms every timer and triggers each task once. ctx is handed to task
// runs; Stop does not cancel it.
func (s *TaskScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("task scheduler already started")
	}
	s.started = true
	s.runCtx = ctx
	s.mu.Unlock()

	for _, task := range s.tasks {
		task := task
		s.cron.Schedule(task.schedule, cron.FuncJob(func() { s.trigger(task) }))
	}
	s.cron.Start()

	for _, task := range s.tasks {
		s.logger.Info("task scheduled",
			slog.String("task", task.Name),
			slog.Duration("period", task.Period),
			slog.String("spec", task.Spec),
		)
		go s.trigger(task)
	}
	return nil
}

// Stop cancels all timers so no new run starts. The returned context is done
// once every in-flight run has returned.
func (s *TaskScheduler) Stop() context.Context {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.inFlight.Wait()
		cancel()
	}()
	return ctx
}

func (s *TaskScheduler) trigger(task *scheduledTask) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inFlight.Add(1)
	ctx := s.runCtx
	s.mu.Unlock()
	defer s.inFlight.Done()

	if !task.running.CompareAndSwap(false, true) {
		s.logger.Info("task run skipped, previous run still in flight", slog.String("task", task.Name))
		return
	}
	defer task.running.Store(false)

	start := time.Now()
	if err := s.run(ctx, task); err != nil {
		s.logger.Error("task run failed",
			slog.String("task", task.Name),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return
	}
	s.logger.Debug("task run finished", slog.String("task", task.Name), slog.Duration("elapsed", time.Since(start)))
}

func (s *TaskScheduler) run(ctx context.Context, task *scheduledTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.Run(ctx, s.execCtx)
}

// cronLogger routes the cron runner's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
