package main

import (
	"context"
	"github.com/RezaEskandarii/bookingworker/jobmanager"
	"github.com/RezaEskandarii/bookingworker/types/config"
	"log/slog"
	"os"
)

func main() {
	cfg := config.LoadFromEnv()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := jobmanager.Run(context.Background(), cfg, logger); err != nil {
		logger.Error("worker stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
