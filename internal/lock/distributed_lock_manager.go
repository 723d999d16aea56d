package lock

import "context"

type DistributedLockManager interface {
	Acquire(ctx context.Context, lockID int64) error
	Release(ctx context.Context, lockID int64) error
}

// WithLock runs fn while holding lockID. The lock is released even when fn
// fails; a release error is returned only if fn succeeded.
func WithLock(ctx context.Context, mgr DistributedLockManager, lockID int64, fn func() error) (err error) {
	if err := mgr.Acquire(ctx, lockID); err != nil {
		return err
	}
	defer func() {
		if releaseErr := mgr.Release(context.WithoutCancel(ctx), lockID); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn()
}
