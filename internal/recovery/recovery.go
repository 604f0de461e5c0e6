// Package recovery reconciles what a previous process left behind: tasks
// that were still running and backup files that never reached the store.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/metrics"
	"github.com/nadmax/taskrec/internal/repository"
	"github.com/nadmax/taskrec/internal/state"
	"github.com/nadmax/taskrec/internal/task"
)

const CrashedMessage = "process exited during execution"

type Backups interface {
	Recover(sessionID string) (*task.Task, []*task.Step, error)
	Cleanup(sessionID string) error
	ListSessions() ([]string, error)
	HasBackup(sessionID string) bool
}

type SessionError struct {
	SessionID string
	Err       error
}

func (e SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

func (e SessionError) Unwrap() error {
	return e.Err
}

type Report struct {
	TasksCrashed    int
	OrphansRestored int
	StepsRestored   int
	BackupsCleaned  int
	BackupsKept     int
	Errors          []SessionError
	// Skipped is set when another process owned the store.
	Skipped bool
}

func (r Report) Empty() bool {
	return r.TasksCrashed == 0 && r.OrphansRestored == 0 && r.StepsRestored == 0 &&
		r.BackupsCleaned == 0 && len(r.Errors) == 0
}

type Recoverer struct {
	tasks   repository.TaskRepository
	steps   repository.StepRepository
	backups Backups
	log     *logger.Logger
	now     func() time.Time
}

func New(tasks repository.TaskRepository, steps repository.StepRepository, backups Backups, log *logger.Logger) *Recoverer {
	if log == nil {
		log = logger.NewNop()
	}

	return &Recoverer{
		tasks:   tasks,
		steps:   steps,
		backups: backups,
		log:     log.Named("recovery"),
		now:     time.Now,
	}
}

// Run must complete before any new task starts. Failures on one session are
// recorded in the report and do not stop the others; the returned error is
// only set when the store or backup directory could not be scanned.
func (r *Recoverer) Run(ctx context.Context) (Report, error) {
	var report Report

	active, err := r.tasks.FindTasksByStatus(ctx, task.StatusRunning, task.StatusStopping)
	if err != nil {
		return report, fmt.Errorf("failed to find unfinished tasks: %w", err)
	}

	handled := make(map[string]bool, len(active))
	for _, t := range active {
		handled[t.SessionID] = true
		if err := r.recoverActive(ctx, t, &report); err != nil {
			r.sessionFailed(&report, t.SessionID, err)
		}
	}

	sessions, err := r.backups.ListSessions()
	if err != nil {
		return report, fmt.Errorf("failed to list backups: %w", err)
	}

	for _, sid := range sessions {
		if handled[sid] {
			continue
		}
		if err := r.reconcileBackup(ctx, sid, &report); err != nil {
			r.sessionFailed(&report, sid, err)
		}
	}

	metrics.RecordRecovery(report.TasksCrashed+report.OrphansRestored, report.StepsRestored)

	r.log.Infow("recovery_complete",
		"tasks_crashed", report.TasksCrashed,
		"orphans_restored", report.OrphansRestored,
		"steps_restored", report.StepsRestored,
		"backups_cleaned", report.BackupsCleaned,
		"backups_kept", report.BackupsKept,
		"errors", len(report.Errors),
	)
	return report, nil
}

func (r *Recoverer) sessionFailed(report *Report, sessionID string, err error) {
	r.log.Errorw("recovery_session_failed", "session_id", sessionID, "error", err)
	report.Errors = append(report.Errors, SessionError{SessionID: sessionID, Err: err})
}

// recoverActive closes a task whose process died before finishing it.
func (r *Recoverer) recoverActive(ctx context.Context, t *task.Task, report *Report) error {
	m := state.Restore(t.SessionID, t.Status, r.tasks, r.log)
	if _, err := m.MarkCrashed(ctx); err != nil {
		return err
	}

	restored, unreconciled := r.replaySteps(ctx, t.SessionID)
	report.StepsRestored += restored

	count, err := r.steps.CountSteps(ctx, t.SessionID)
	if err != nil {
		return err
	}

	if err := r.tasks.FinalizeTask(ctx, t.SessionID, task.StatusCrashed, count, lastKnownDuration(t), CrashedMessage); err != nil {
		return err
	}

	report.TasksCrashed++
	r.log.Warnw("recovery_task_crashed",
		"session_id", t.SessionID,
		"previous_status", t.Status,
		"steps", count,
		"steps_restored", restored,
	)

	r.finish(t.SessionID, unreconciled, report)
	return nil
}

// reconcileBackup handles a backup whose task was not found running.
func (r *Recoverer) reconcileBackup(ctx context.Context, sessionID string, report *Report) error {
	t, err := r.tasks.GetTask(ctx, sessionID)
	if errors.Is(err, repository.ErrTaskNotFound) {
		return r.restoreOrphan(ctx, sessionID, report)
	}
	if err != nil {
		return err
	}

	if !t.Status.IsTerminal() {
		return r.recoverActive(ctx, t, report)
	}

	restored, unreconciled := r.replaySteps(ctx, sessionID)
	report.StepsRestored += restored

	if restored > 0 {
		count, err := r.steps.CountSteps(ctx, sessionID)
		if err != nil {
			return err
		}
		totalTime := time.Duration(t.TotalTime * float64(time.Second))
		if err := r.tasks.FinalizeTask(ctx, sessionID, t.Status, count, totalTime, t.ErrorMessage); err != nil {
			return err
		}
		r.log.Infow("recovery_steps_replayed", "session_id", sessionID, "status", t.Status, "steps_restored", restored)
	}

	r.finish(sessionID, unreconciled, report)
	return nil
}

// restoreOrphan rebuilds a task that only exists in its backup files.
func (r *Recoverer) restoreOrphan(ctx context.Context, sessionID string, report *Report) error {
	snapshot, steps, err := r.backups.Recover(sessionID)
	if err != nil {
		return err
	}
	if snapshot == nil {
		snapshot = &task.Task{
			SessionID:   sessionID,
			UserID:      task.DefaultUserID,
			CreatedAt:   r.now().UTC(),
			Description: "recovered from backup",
			Status:      task.StatusCrashed,
		}
	}
	snapshot.SessionID = sessionID

	if err := r.tasks.CreateTask(ctx, snapshot); err != nil {
		return err
	}

	final := snapshot.Status
	errMsg := snapshot.ErrorMessage
	if !final.IsTerminal() || final == task.StatusCrashed {
		final = task.StatusCrashed
		errMsg = CrashedMessage
		if _, err := state.New(sessionID, r.tasks, r.log).MarkCrashed(ctx); err != nil {
			return err
		}
	}

	restored, unreconciled := 0, 0
	if len(steps) > 0 {
		if err := r.steps.BatchInsertSteps(ctx, steps); err != nil {
			r.log.Warnw("recovery_batch_insert_failed", "session_id", sessionID, "error", err)
			restored, unreconciled = r.replaySteps(ctx, sessionID)
		} else {
			restored = len(steps)
		}
	}
	report.StepsRestored += restored

	count, err := r.steps.CountSteps(ctx, sessionID)
	if err != nil {
		return err
	}
	totalTime := time.Duration(snapshot.TotalTime * float64(time.Second))
	if err := r.tasks.FinalizeTask(ctx, sessionID, final, count, totalTime, errMsg); err != nil {
		return err
	}

	report.OrphansRestored++
	r.log.Warnw("recovery_orphan_restored", "session_id", sessionID, "status", final, "steps_restored", restored)

	r.finish(sessionID, unreconciled, report)
	return nil
}

// replaySteps inserts every backed-up step the store does not hold yet.
func (r *Recoverer) replaySteps(ctx context.Context, sessionID string) (restored, unreconciled int) {
	_, steps, err := r.backups.Recover(sessionID)
	if err != nil {
		r.log.Errorw("recovery_backup_unreadable", "session_id", sessionID, "error", err)
		return 0, 1
	}

	for _, s := range steps {
		exists, err := r.steps.StepExists(ctx, sessionID, s.StepNum)
		if err != nil {
			r.log.Errorw("recovery_step_check_failed", "session_id", sessionID, "step_num", s.StepNum, "error", err)
			unreconciled++
			continue
		}
		if exists {
			continue
		}

		err = r.steps.InsertStep(ctx, s)
		var dup *repository.DuplicateStepError
		switch {
		case err == nil:
			restored++
		case errors.As(err, &dup):
		default:
			r.log.Errorw("recovery_step_insert_failed", "session_id", sessionID, "step_num", s.StepNum, "error", err)
			unreconciled++
		}
	}

	return restored, unreconciled
}

func (r *Recoverer) finish(sessionID string, unreconciled int, report *Report) {
	if !r.backups.HasBackup(sessionID) {
		return
	}
	if unreconciled > 0 {
		report.BackupsKept++
		r.log.Warnw("recovery_backup_kept", "session_id", sessionID, "unreconciled", unreconciled)
		return
	}
	if err := r.backups.Cleanup(sessionID); err != nil {
		report.BackupsKept++
		return
	}
	report.BackupsCleaned++
}

func lastKnownDuration(t *task.Task) time.Duration {
	if t.UpdatedAt == nil || t.CreatedAt.IsZero() {
		return time.Duration(t.TotalTime * float64(time.Second))
	}
	d := t.UpdatedAt.Sub(t.CreatedAt)
	if d < 0 {
		return 0
	}
	return d
}
