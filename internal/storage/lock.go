package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// migrationLockRetryInterval is the interval between consecutive attempts
// to acquire the migration file lock. 50ms balances responsiveness
// against CPU overhead from busy-polling.
const migrationLockRetryInterval = 50 * time.Millisecond

// withMigrationLock runs fn while holding an exclusive cross-process lock
// on lockPath, so that concurrent process starts against the same
// database file never race on schema creation. An empty
// lockPath (used for in-memory databases, which are inherently
// single-process) skips locking entirely.
func withMigrationLock(ctx context.Context, lockPath string, fn func() error) error {
	if lockPath == "" {
		return fn()
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLockContext(ctx, migrationLockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquire migration lock %s: %w", lockPath, err)
	}
	if !locked {
		if ctx.Err() != nil {
			return fmt.Errorf("acquire migration lock %s: %w", lockPath, ctx.Err())
		}
		return fmt.Errorf("acquire migration lock %s: lock not acquired", lockPath)
	}
	defer func() {
		_ = fl.Close() // releases the lock; best-effort, lock file stays on disk
	}()

	return fn()
}
