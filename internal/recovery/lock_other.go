//go:build !unix

package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Lock falls back to an exclusively created file where flock is missing.
// Shared holders do not register, and a crash leaves the file behind until
// it is removed by hand.
type Lock struct {
	path  string
	owned bool
}

func OpenLock(path string) (*Lock, error) {
	return &Lock{path: path}, nil
}

func (l *Lock) TryExclusive() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Close()
	l.owned = true
	return true, nil
}

func (l *Lock) Shared(context.Context) error {
	return nil
}

func (l *Lock) Release() error {
	if l == nil || !l.owned {
		return nil
	}
	l.owned = false
	return os.Remove(l.path)
}
