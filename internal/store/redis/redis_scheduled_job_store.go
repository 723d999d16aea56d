package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/bookingworker/internal/state"
	"github.com/RezaEskandarii/bookingworker/internal/store"
	"github.com/RezaEskandarii/bookingworker/types"
	"github.com/redis/go-redis/v9"
	"strconv"
	"time"
)

const (
	defaultPrefix = "bookingworker:"

	// maxClaimConflicts bounds the optimistic claim loop.
	maxClaimConflicts = 16
)

// RedisScheduledJobStore keeps every job in a hash and indexes pending jobs in
// a sorted set scored by run_at. Redis has no row locks, so ClaimDue is an
// optimistic compare-and-swap: WATCH the index, verify, then MULTI/EXEC, and
// start over when another worker won the race.
type RedisScheduledJobStore struct {
	client   *redis.Client
	instance string
	prefix   string
}

func NewRedisScheduledJobStore(client *redis.Client, instance string) *RedisScheduledJobStore {
	return &RedisScheduledJobStore{
		client:   client,
		instance: instance,
		prefix:   defaultPrefix,
	}
}

func (s *RedisScheduledJobStore) pendingKey() string { return s.prefix + "jobs:pending" }
func (s *RedisScheduledJobStore) idsKey() string     { return s.prefix + "jobs:ids" }
func (s *RedisScheduledJobStore) seqKey() string     { return s.prefix + "jobs:seq" }

func (s *RedisScheduledJobStore) jobKey(id int64) string {
	return s.prefix + "job:" + strconv.FormatInt(id, 10)
}

func (s *RedisScheduledJobStore) ClaimDue(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
	if limit < 1 {
		return nil, nil
	}

	for conflict := 0; conflict < maxClaimConflicts; conflict++ {
		jobs, err := s.tryClaim(ctx, limit)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim due jobs: %w", err)
		}
		return jobs, nil
	}

	// Every attempt lost a race; the due jobs went to other workers.
	return nil, nil
}

func (s *RedisScheduledJobStore) tryClaim(ctx context.Context, limit int) ([]types.ScheduledJob, error) {
	var claimed []types.ScheduledJob

	txf := func(tx *redis.Tx) error {
		now := time.Now()
		members, err := tx.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    strconv.FormatInt(now.UnixMilli(), 10),
			Offset: 0,
			Count:  int64(limit),
		}).Result()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			claimed = nil
			return nil
		}

		jobs := make([]types.ScheduledJob, 0, len(members))
		var stale []interface{}
		for _, member := range members {
			id, err := strconv.ParseInt(member, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q in pending index: %w", member, err)
			}
			fields, err := tx.HGetAll(ctx, s.jobKey(id)).Result()
			if err != nil {
				return err
			}
			job, err := decodeJob(fields)
			if err != nil {
				return err
			}
			if job.Status != state.StatusPending {
				stale = append(stale, member)
				continue
			}
			jobs = append(jobs, *job)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(stale) > 0 {
				pipe.ZRem(ctx, s.pendingKey(), stale...)
			}
			for i := range jobs {
				job := &jobs[i]
				instance := s.instance
				job.Status = state.StatusProcessing
				job.Attempts++
				job.LastError = nil
				job.LockedBy = &instance
				job.UpdatedAt = now

				key := s.jobKey(job.ID)
				pipe.ZRem(ctx, s.pendingKey(), job.ID)
				pipe.HSet(ctx, key,
					"status", string(job.Status),
					"attempts", job.Attempts,
					"locked_by", instance,
					"updated_at", formatTime(now),
				)
				pipe.HDel(ctx, key, "last_error")
			}
			return nil
		})
		if err != nil {
			return err
		}
		claimed = jobs
		return nil
	}

	if err := s.client.Watch(ctx, txf, s.pendingKey()); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *RedisScheduledJobStore) Update(ctx context.Context, id int64, upd types.JobUpdate) error {
	key := s.jobKey(id)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", id, err)
	}
	job, err := decodeJob(fields)
	if err != nil {
		return fmt.Errorf("job %d: %w", id, err)
	}

	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	values := []interface{}{"updated_at", formatTime(updatedAt)}
	status := job.Status
	if upd.Status != nil {
		status = *upd.Status
		values = append(values, "status", string(status))
	}
	runAt := job.RunAt
	if upd.RunAt != nil {
		runAt = *upd.RunAt
		values = append(values, "run_at", formatTime(runAt))
	}
	if !upd.ClearLastError && upd.LastError != nil {
		values = append(values, "last_error", *upd.LastError)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		if upd.ClearLastError {
			pipe.HDel(ctx, key, "last_error")
		}
		if status == state.StatusPending {
			pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
		} else {
			pipe.ZRem(ctx, s.pendingKey(), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", id, err)
	}
	return nil
}

func (s *RedisScheduledJobStore) Insert(ctx context.Context, jobType types.JobType, runAt time.Time, payload any) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return -1, err
	}

	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return -1, err
	}

	now := formatTime(time.Now())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(id),
			"id", id,
			"job_type", string(jobType),
			"payload", string(payloadJSON),
			"status", string(state.StatusPending),
			"attempts", 0,
			"run_at", formatTime(runAt),
			"created_at", now,
			"updated_at", now,
		)
		pipe.SAdd(ctx, s.idsKey(), id)
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return -1, err
	}
	return id, nil
}

func (s *RedisScheduledJobStore) FindByID(ctx context.Context, id int64) (*types.ScheduledJob, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	job, err := decodeJob(fields)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", id, err)
	}
	return job, nil
}

func (s *RedisScheduledJobStore) CountAllJobsGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[state.JobStatus]int, len(state.AllStatuses))
	for _, status := range state.AllStatuses {
		result[status] = 0
	}
	if len(ids) == 0 {
		return result, nil
	}

	cmds := make([]*redis.StringCmd, 0, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			cmds = append(cmds, pipe.HGet(ctx, s.prefix+"job:"+id, "status"))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for _, cmd := range cmds {
		value, err := cmd.Result()
		if err != nil {
			continue
		}
		if status, ok := state.Parse(value); ok {
			result[status]++
		}
	}
	return result, nil
}

func (s *RedisScheduledJobStore) Close() error {
	return s.client.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeJob(fields map[string]string) (*types.ScheduledJob, error) {
	if len(fields) == 0 {
		return nil, store.ErrJobNotFound
	}

	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid id: %w", err)
	}
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("invalid attempts: %w", err)
	}
	status, ok := state.Parse(fields["status"])
	if !ok {
		return nil, fmt.Errorf("invalid status %q", fields["status"])
	}

	job := &types.ScheduledJob{
		ID:       id,
		JobType:  types.JobType(fields["job_type"]),
		Status:   status,
		Attempts: attempts,
	}
	if payload := fields["payload"]; payload != "" {
		job.Payload = json.RawMessage(payload)
	}
	if job.RunAt, err = time.Parse(time.RFC3339Nano, fields["run_at"]); err != nil {
		return nil, fmt.Errorf("invalid run_at: %w", err)
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}
	if msg, ok := fields["last_error"]; ok {
		job.LastError = &msg
	}
	if by, ok := fields["locked_by"]; ok && by != "" {
		job.LockedBy = &by
	}
	return job, nil
}
