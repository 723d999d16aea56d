package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"github.com/RezaEskandarii/bookingworker/types"
	"github.com/RezaEskandarii/bookingworker/types/config"
	"time"
)

const JobReportRoutingKey = "jobs.report"

type ReportPayload struct {
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

type JobReport struct {
	JobID       int64          `json:"job_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	GeneratedBy string         `json:"generated_by"`
	Counts      map[string]int `json:"counts"`
	Total       int            `json:"total"`
}

// ReportGenerationHandler publishes job counts grouped by status.
type ReportGenerationHandler struct {
	now func() time.Time
}

func NewReportGenerationHandler() *ReportGenerationHandler {
	return &ReportGenerationHandler{now: time.Now}
}

func (h *ReportGenerationHandler) Handle(ctx context.Context, job types.ScheduledJob, ec config.ExecutionContext) error {
	if ec.Store == nil || ec.Broker == nil {
		return errors.New("report generation needs a store and a message broker")
	}

	counts, err := ec.Store.CountAllJobsGroupedByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}

	report := JobReport{
		JobID:       job.ID,
		GeneratedAt: h.now().UTC(),
		GeneratedBy: ec.Instance,
		Counts:      make(map[string]int, len(state.AllStatuses)),
	}
	for _, status := range state.AllStatuses {
		report.Counts[status.String()] = counts[status]
		report.Total += counts[status]
	}

	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	if err := ec.Broker.Publish(ctx, JobReportRoutingKey, body); err != nil {
		return fmt.Errorf("publish job report: %w", err)
	}
	return nil
}
