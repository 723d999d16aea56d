package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// GracefulExit blocks until SIGINT or SIGTERM arrives (or ctx is done) and
// then runs Shutdown.
func GracefulExit(ctx context.Context, scheduler *TaskScheduler, grace time.Duration, logger *slog.Logger, closers ...io.Closer) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	return Shutdown(scheduler, grace, logger, closers...)
}

// Shutdown stops every timer, gives in-flight runs up to grace to finish and
// closes the given resources. In-flight runs are never cancelled.
func Shutdown(scheduler *TaskScheduler, grace time.Duration, logger *slog.Logger, closers ...io.Closer) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("shutting down gracefully", slog.Duration("grace", grace))

	done := scheduler.Stop()
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done.Done():
		logger.Info("in-flight task runs finished")
	case <-timer.C:
		logger.Warn("grace period elapsed with task runs still in flight")
	}

	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Error("failed to close resource", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	logger.Info("shutdown complete")
	return errors.Join(errs...)
}
