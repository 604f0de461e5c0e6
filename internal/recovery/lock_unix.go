//go:build unix

package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Lock is an advisory flock on a file next to the database. The kernel drops
// it when the holding process exits, so a crash never leaves it stale.
type Lock struct {
	f *os.File
}

func OpenLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return &Lock{f: f}, nil
}

// TryExclusive reports whether the exclusive lock was taken without waiting.
func (l *Lock) TryExclusive() (bool, error) {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock %s: %w", l.f.Name(), err)
	}
	return true, nil
}

// Shared takes or downgrades to the shared lock, waiting while another
// process holds it exclusively.
func (l *Lock) Shared(ctx context.Context) error {
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("failed to lock %s: %w", l.f.Name(), err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
