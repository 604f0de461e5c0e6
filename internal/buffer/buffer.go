// Package buffer writes each completed step through to the store, falls back
// to the backup log when the write fails, and reconciles on Flush.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/metrics"
	"github.com/nadmax/taskrec/internal/repository"
	"github.com/nadmax/taskrec/internal/task"
)

type StepStore interface {
	InsertStep(ctx context.Context, s *task.Step) error
	StepExists(ctx context.Context, sessionID string, stepNum int) (bool, error)
}

type Backups interface {
	SaveStepBackup(s *task.Step) bool
}

type Buffer struct {
	steps   StepStore
	backups Backups
	log     *logger.Logger

	mu           sync.Mutex
	pending      []*task.Step
	unreconciled map[int]*task.Step
	backedUp     map[int]bool
	onWritten    []func(stepNum int)
}

func New(steps StepStore, backups Backups, log *logger.Logger) *Buffer {
	if log == nil {
		log = logger.NewNop()
	}

	return &Buffer{
		steps:        steps,
		backups:      backups,
		log:          log.Named("buffer"),
		unreconciled: make(map[int]*task.Step),
		backedUp:     make(map[int]bool),
	}
}

// OnStepWritten registers fn to be called with the step number after each
// confirmed store write.
func (b *Buffer) OnStepWritten(fn func(stepNum int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onWritten = append(b.onWritten, fn)
}

// AddStep writes s to the store before returning. When the write fails the
// step goes to the backup log and the store error is returned.
func (b *Buffer) AddStep(ctx context.Context, s *task.Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, s)

	err := b.steps.InsertStep(ctx, s)
	if err == nil {
		metrics.RecordStepPersisted()
		b.log.Debugw("buffer_step_written", "session_id", s.SessionID, "step_num", s.StepNum)
		b.notifyLocked(s.StepNum)
		return nil
	}

	metrics.RecordStepWriteFailure()
	b.log.Errorw("buffer_step_write_failed", "session_id", s.SessionID, "step_num", s.StepNum, "error", err)

	var dup *repository.DuplicateStepError
	if !errors.As(err, &dup) {
		b.unreconciled[s.StepNum] = s
		b.backupLocked(s)
	}

	return fmt.Errorf("failed to write step %d: %w", s.StepNum, err)
}

// Flush checks every step accepted since the previous flush, plus any still
// unreconciled, and re-inserts those missing from the store. It returns an
// error when some steps could not be confirmed; those stay unreconciled.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	check := make(map[int]*task.Step, len(b.pending)+len(b.unreconciled))
	for _, s := range b.pending {
		check[s.StepNum] = s
	}
	for n, s := range b.unreconciled {
		check[n] = s
	}
	b.pending = nil

	nums := make([]int, 0, len(check))
	for n := range check {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	var errs []error
	repaired := 0
	for _, n := range nums {
		s := check[n]
		ok, wasRepaired, err := b.reconcileLocked(ctx, s)
		if ok {
			delete(b.unreconciled, n)
			if wasRepaired {
				repaired++
			}
			continue
		}

		b.unreconciled[n] = s
		b.backupLocked(s)
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		b.log.Errorw("buffer_flush_incomplete",
			"checked", len(nums),
			"repaired", repaired,
			"unreconciled", len(b.unreconciled),
		)
		return fmt.Errorf("%d steps not confirmed in store: %w", len(errs), errors.Join(errs...))
	}

	b.log.Debugw("buffer_flush_ok", "checked", len(nums), "repaired", repaired)
	return nil
}

func (b *Buffer) reconcileLocked(ctx context.Context, s *task.Step) (confirmed, repaired bool, err error) {
	exists, err := b.steps.StepExists(ctx, s.SessionID, s.StepNum)
	if err != nil {
		return false, false, fmt.Errorf("step %d: %w", s.StepNum, err)
	}
	if exists {
		return true, false, nil
	}

	err = b.steps.InsertStep(ctx, s)
	var dup *repository.DuplicateStepError
	if err != nil && !errors.As(err, &dup) {
		b.log.Warnw("buffer_step_repair_failed", "session_id", s.SessionID, "step_num", s.StepNum, "error", err)
		return false, false, fmt.Errorf("step %d: %w", s.StepNum, err)
	}

	metrics.RecordStepPersisted()
	b.log.Infow("buffer_step_repaired", "session_id", s.SessionID, "step_num", s.StepNum)
	b.notifyLocked(s.StepNum)
	return true, true, nil
}

func (b *Buffer) backupLocked(s *task.Step) {
	if b.backups == nil || b.backedUp[s.StepNum] {
		return
	}
	if b.backups.SaveStepBackup(s) {
		b.backedUp[s.StepNum] = true
	}
}

func (b *Buffer) notifyLocked(stepNum int) {
	for _, fn := range b.onWritten {
		fn(stepNum)
	}
}

// Pending returns the number of steps accepted since the last flush.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Unreconciled returns the number of steps known to be missing from the
// store. Their only copy is the backup log.
func (b *Buffer) Unreconciled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unreconciled)
}
