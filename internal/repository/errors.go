package repository

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTaskNotFound     = errors.New("repository: task not found")
	ErrPoolExhausted    = errors.New("repository: connection pool exhausted")
	ErrRetriesExhausted = errors.New("repository: retries exhausted")
	ErrPoolClosed       = errors.New("repository: connection pool closed")
)

// SQLite primary result codes for contention.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

type codedError interface {
	Code() int
}

// IsTransient reports whether err is lock or busy contention that may clear
// on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrPoolClosed) {
		return false
	}
	if errors.Is(err, ErrPoolExhausted) {
		return true
	}

	var coded codedError
	if errors.As(err, &coded) {
		primary := coded.Code() & 0xff
		return primary == sqliteBusy || primary == sqliteLocked
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

type DuplicateStepError struct {
	SessionID string
	StepNum   int
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("repository: step %d already stored for session %s", e.StepNum, e.SessionID)
}
