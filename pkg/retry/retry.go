// Package retry runs an operation several times with capped exponential
// backoff between attempts.
//
// The delay before retry k (k starts at 0 for the second attempt) is
// min(BaseDelay * BackoffMultiplier^k, MaxDelay). With Jitter enabled the
// delay is scaled by a uniform factor in [0.5, 1.0] so that callers failing
// together do not retry together.
//
// The error of the last attempt is returned as-is, never wrapped, so callers
// can still match it with errors.Is and errors.As.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	BaseDelay time.Duration

	// MaxDelay caps every computed delay. Zero means no cap.
	MaxDelay time.Duration

	BackoffMultiplier float64

	Jitter bool

	// IsRetryable classifies errors. Nil retries everything that is not
	// marked with Permanent.
	IsRetryable func(error) bool

	Logger *slog.Logger

	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// Delay returns the wait before retry k (0-indexed).
func Delay(k int, opts Options) time.Duration {
	if k < 0 {
		k = 0
	}
	multiplier := opts.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = DefaultOptions().BackoffMultiplier
	}

	d := float64(opts.BaseDelay) * math.Pow(multiplier, float64(k))
	if opts.MaxDelay > 0 && d > float64(opts.MaxDelay) {
		d = float64(opts.MaxDelay)
	}
	if opts.Jitter {
		d *= 0.5 + rand.Float64()*0.5 //nolint:gosec // jitter does not need crypto rand
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Do calls op until it succeeds, returns a non-retryable error, or
// MaxRetries+1 attempts have failed.
func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	_, err := DoValue(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	maxRetries := max(opts.MaxRetries, 0)

	var zero T
	for attempt := 0; ; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}

		if permanent, ok := err.(*permanentError); ok {
			return zero, permanent.err
		}
		if IsPermanent(err) {
			return zero, err
		}
		if attempt >= maxRetries || !retryable(err, opts) {
			return zero, err
		}

		delay := Delay(attempt, opts)
		logger.Warn("operation failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", maxRetries),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}
}

func retryable(err error, opts Options) bool {
	if opts.IsRetryable == nil {
		return true
	}
	return opts.IsRetryable(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do returns it immediately without retrying.
// When the operation returns the marker itself Do unwraps it; a marker wrapped
// further by the caller is returned as-is, wrapping included.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var permanent *permanentError
	return errors.As(err, &permanent)
}
