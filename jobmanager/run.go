package jobmanager

import (
	"context"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/app"
	"github.com/RezaEskandarii/bookingworker/client"
	"github.com/RezaEskandarii/bookingworker/internal/handlers"
	"github.com/RezaEskandarii/bookingworker/types"
	"github.com/RezaEskandarii/bookingworker/types/config"
	"log/slog"
	"runtime"
	"time"
)

const (
	ScheduledJobsTask = "scheduled-jobs"
	ReportsTask       = "reports"
)

// Run boots the worker and blocks until SIGINT or SIGTERM (or ctx is done).
//
// It performs the following steps:
//  1. Builds the dependency container (storage, broker, LLM client, handlers).
//  2. Starts the scheduled-jobs and reports tasks, each running immediately
//     and then on its own timer.
//  3. On shutdown stops the timers, waits up to cfg.ShutdownGrace for
//     in-flight runs and closes the broker and the store.
func Run(ctx context.Context, cfg *config.WorkerConfig, logger *slog.Logger, opts ...app.ContainerOption) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("starting worker",
		slog.String("instance", cfg.Instance),
		slog.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
		slog.Int("worker_count", cfg.WorkerCount),
		slog.Int("batch_size", cfg.BatchSize),
	)

	container, err := app.NewContainer(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}

	scheduler, err := client.NewTaskScheduler(container.ExecutionContext(), container.Logger, Tasks(container)...)
	if err != nil {
		container.Close()
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		container.Close()
		return err
	}

	return client.GracefulExit(ctx, scheduler, cfg.ShutdownGrace, container.Logger, container.Closers()...)
}

// Tasks returns the periodic tasks every worker runs.
func Tasks(c *app.Container) []client.Task {
	cfg := c.Config

	reports := client.Task{
		Name:   ReportsTask,
		Period: cfg.ReportsInterval,
		Run: func(ctx context.Context, ec config.ExecutionContext) error {
			now := time.Now()
			jobID, err := c.Executor.Enqueue(ctx, types.JobTypeReportGeneration, now, handlers.ReportPayload{
				RequestedBy: ec.Instance,
				RequestedAt: now.UTC(),
			})
			if err != nil {
				return fmt.Errorf("enqueue report: %w", err)
			}
			ec.Logger.Info("report generation enqueued", slog.Int64("job_id", jobID))
			return nil
		},
	}
	if cfg.ReportsCron != "" {
		reports.Period = 0
		reports.Spec = cfg.ReportsCron
	}

	return []client.Task{
		{
			Name:   ScheduledJobsTask,
			Period: cfg.ScheduledJobsInterval,
			Run: func(ctx context.Context, ec config.ExecutionContext) error {
				n, err := c.Executor.ProcessDueJobs(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					ec.Logger.Info("processed due jobs", slog.Int("count", n))
				}
				return nil
			},
		},
		reports,
	}
}
