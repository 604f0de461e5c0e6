package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Recovery marks every RUNNING task as crashed, so it may only run while no
// other process is executing tasks against the same database. Each executing
// process holds the ownership lock shared for its whole life; recovery needs
// it exclusively.

var ErrLockHeld = errors.New("recovery: ownership lock held by another process")

const lockPollInterval = 50 * time.Millisecond

// LockPath returns the ownership lock file for a database file.
func LockPath(dbPath string) string {
	return dbPath + ".lock"
}

// RunGuarded acquires the ownership lock at path and runs recovery only when
// no other process holds it. The returned Lock stays held, shared, until
// Release; the caller keeps it while it executes tasks.
func (r *Recoverer) RunGuarded(ctx context.Context, path string) (Report, *Lock, error) {
	lock, err := OpenLock(path)
	if err != nil {
		return Report{}, nil, err
	}

	owner, err := lock.TryExclusive()
	if err != nil {
		_ = lock.Release()
		return Report{}, nil, err
	}

	if !owner {
		r.log.Infow("recovery_skipped", "reason", "another process owns the store", "lock", path)
		if err := lock.Shared(ctx); err != nil {
			_ = lock.Release()
			return Report{}, nil, err
		}
		return Report{Skipped: true}, lock, nil
	}

	report, runErr := r.Run(ctx)
	if err := lock.Shared(ctx); err != nil {
		_ = lock.Release()
		return report, nil, fmt.Errorf("failed to downgrade ownership lock: %w", err)
	}
	return report, lock, runErr
}
