package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"github.com/RezaEskandarii/bookingworker/internal/store"
	"github.com/RezaEskandarii/bookingworker/types"
	"sort"
	"strings"
	"time"
)

const jobColumns = `id, job_type, payload, status, attempts, run_at, last_error, locked_by, created_at, updated_at`

type PostgresScheduledJobStore struct {
	db       *sql.DB
	instance string
}

func NewPostgresScheduledJobStore(db *sql.DB, instance string) *PostgresScheduledJobStore {
	return &PostgresScheduledJobStore{
		db:       db,
		instance: instance,
	}
}

// ClaimDue locks due rows with FOR UPDATE SKIP LOCKED and flips them to
// processing in the same statement, so concurrent workers never receive the
// same row and never block on each other.
func (s *PostgresScheduledJobStore) ClaimDue(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
	if limit < 1 {
		return nil, nil
	}

	query := `
		UPDATE scheduled_jobs
		SET status = $1,
		    attempts = attempts + 1,
		    last_error = NULL,
		    locked_by = $2,
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE status = $3
			  AND run_at <= NOW()
			ORDER BY run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		)
		RETURNING ` + jobColumns

	rows, err := s.db.QueryContext(ctx, query,
		state.StatusProcessing,
		s.instance,
		state.StatusPending,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("claim due jobs: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	// RETURNING does not preserve the sub-select order.
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].RunAt.Before(jobs[j].RunAt)
	})

	return jobs, nil
}

func (s *PostgresScheduledJobStore) Update(ctx context.Context, id int64, upd types.JobUpdate) error {
	sets := []string{}
	args := []interface{}{}
	argIndex := 1

	if upd.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, *upd.Status)
		argIndex++
	}

	if upd.ClearLastError {
		sets = append(sets, "last_error = NULL")
	} else if upd.LastError != nil {
		sets = append(sets, fmt.Sprintf("last_error = $%d", argIndex))
		args = append(args, *upd.LastError)
		argIndex++
	}

	if upd.RunAt != nil {
		sets = append(sets, fmt.Sprintf("run_at = $%d", argIndex))
		args = append(args, *upd.RunAt)
		argIndex++
	}

	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", argIndex))
	args = append(args, updatedAt)
	argIndex++

	query := `UPDATE scheduled_jobs SET ` + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE id = $%d", argIndex)
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}

	return nil
}

func (s *PostgresScheduledJobStore) Insert(ctx context.Context, jobType types.JobType, runAt time.Time, payload any) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return -1, err
	}

	query := `
		INSERT INTO scheduled_jobs (
			job_type,
			payload,
			status,
			attempts,
			run_at,
			created_at,
			updated_at
		)
		VALUES ($1, $2, $3, 0, $4, NOW(), NOW())
		RETURNING id
	`

	var jobID int64
	err = s.db.QueryRowContext(ctx, query,
		jobType,
		payloadJSON,
		state.StatusPending,
		runAt,
	).Scan(&jobID)

	return jobID, err
}

func (s *PostgresScheduledJobStore) FindByID(ctx context.Context, id int64) (*types.ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresScheduledJobStore) CountAllJobsGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM scheduled_jobs
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[state.JobStatus]int)
	for rows.Next() {
		var status state.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, status := range state.AllStatuses {
		if _, ok := result[status]; !ok {
			result[status] = 0
		}
	}

	return result, nil
}

func (s *PostgresScheduledJobStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.ScheduledJob, error) {
	var job types.ScheduledJob
	var payload []byte
	if err := row.Scan(
		&job.ID,
		&job.JobType,
		&payload,
		&job.Status,
		&job.Attempts,
		&job.RunAt,
		&job.LastError,
		&job.LockedBy,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Payload = payload

	return &job, nil
}
