// Package executor runs one task's lifecycle: it creates the record, moves it
// through its states, writes every step through the buffer and closes the
// record exactly once.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/taskrec/internal/buffer"
	"github.com/nadmax/taskrec/internal/driver"
	"github.com/nadmax/taskrec/internal/events"
	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/metrics"
	"github.com/nadmax/taskrec/internal/repository"
	"github.com/nadmax/taskrec/internal/state"
	"github.com/nadmax/taskrec/internal/task"
)

const DefaultHaltTimeout = 30 * time.Second

var (
	ErrStopped        = errors.New("executor: stopped before start")
	ErrAlreadyStarted = errors.New("executor: already started")
)

// Meta describes the task to run. An empty SessionID gets a generated one.
type Meta struct {
	SessionID   string
	UserID      string
	Description string
	DeviceID    string
	Endpoint    string
	ModelName   string
}

// Driver produces step events until it finishes or is halted. The channel
// returned by Halt is closed once it has stopped producing.
type Driver interface {
	Run(ctx context.Context, sink driver.Sink) error
	Halt() <-chan struct{}
}

type BackupStore interface {
	SaveTaskBackup(t *task.Task) bool
	SaveStepBackup(s *task.Step) bool
	Cleanup(sessionID string) error
}

type Deps struct {
	Tasks       repository.TaskRepository
	Steps       repository.StepRepository
	Backups     BackupStore
	Publisher   events.Publisher
	Log         *logger.Logger
	HaltTimeout time.Duration
}

type Executor struct {
	deps    Deps
	log     *logger.Logger
	machine *state.Machine
	buffer  *buffer.Buffer
	driver  Driver

	lifeMu  sync.Mutex
	started bool

	// stepMu orders step writes against finalization.
	stepMu    sync.Mutex
	stepCount int
	finalized bool

	stopRequested atomic.Bool
	finalizeOnce  sync.Once
	done          chan struct{}

	mu         sync.Mutex
	record     task.Task
	startedAt  time.Time
	finishedAt time.Time
}

var _ driver.Sink = (*Executor)(nil)

func New(meta Meta, deps Deps) *Executor {
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.HaltTimeout <= 0 {
		deps.HaltTimeout = DefaultHaltTimeout
	}

	record := task.NewTask(meta.Description, meta.UserID, meta.DeviceID, meta.Endpoint, meta.ModelName)
	if meta.SessionID != "" {
		record.SessionID = meta.SessionID
	}

	log := deps.Log.Named("executor").With("session_id", record.SessionID)

	e := &Executor{
		deps:    deps,
		log:     log,
		machine: state.New(record.SessionID, deps.Tasks, deps.Log),
		buffer:  buffer.New(deps.Steps, deps.Backups, deps.Log),
		record:  *record,
		done:    make(chan struct{}),
	}

	e.machine.AddListener(e.onStateChanged)
	e.buffer.OnStepWritten(e.onStepWritten)

	return e
}

// Attach sets the driver that Start hands control to.
func (e *Executor) Attach(d Driver) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	e.driver = d
}

func (e *Executor) SessionID() string {
	return e.record.SessionID
}

func (e *Executor) Status() task.TaskStatus {
	return e.machine.Current()
}

func (e *Executor) StepCount() int {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()
	return e.stepCount
}

func (e *Executor) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.startedAt.IsZero():
		return 0
	case !e.finishedAt.IsZero():
		return e.finishedAt.Sub(e.startedAt)
	default:
		return time.Since(e.startedAt)
	}
}

// Done is closed after the task record has been finalized.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Task returns a snapshot of the task record as the executor knows it.
func (e *Executor) Task() task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record
}

// Start creates the task record, moves it to RUNNING and starts the attached
// driver. Any failure here closes the record as FAILED and is returned.
func (e *Executor) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	if e.stopRequested.Load() {
		e.closeWithoutRecord()
		return ErrStopped
	}

	snapshot := e.Task()
	if err := e.deps.Tasks.CreateTask(ctx, &snapshot); err != nil {
		msg := fmt.Sprintf("failed to create task record: %v", err)
		e.fail(ctx, msg)
		return fmt.Errorf("failed to create task %s: %w", snapshot.SessionID, err)
	}
	e.saveSnapshot()

	ok, err := e.machine.TransitionTo(ctx, task.StatusRunning)
	if !ok {
		if err == nil {
			err = fmt.Errorf("transition %s -> %s rejected", e.machine.Current(), task.StatusRunning)
		}
		e.fail(ctx, fmt.Sprintf("failed to enter running: %v", err))
		return fmt.Errorf("failed to start task %s: %w", snapshot.SessionID, err)
	}

	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.log.Infow("executor_started", "description", snapshot.Description)

	if e.driver != nil {
		if err := e.driver.Run(ctx, e); err != nil {
			e.fail(ctx, fmt.Sprintf("failed to start driver: %v", err))
			return fmt.Errorf("failed to start driver for %s: %w", snapshot.SessionID, err)
		}
	}

	return nil
}

// OnStepCompleted numbers the step and writes it through the buffer. Events
// after a stop request are dropped. Write failures are logged and reported
// but never stop the task.
func (e *Executor) OnStepCompleted(ctx context.Context, ev task.StepEvent) {
	if e.stopRequested.Load() {
		e.log.Infow("executor_step_dropped", "reason", "stop requested")
		return
	}

	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	if e.finalized || e.stopRequested.Load() {
		e.log.Infow("executor_step_dropped", "reason", "finalizing")
		return
	}
	if status := e.machine.Current(); status != task.StatusRunning {
		e.log.Warnw("executor_step_dropped", "reason", "not running", "status", status)
		return
	}

	e.stepCount++
	step := ev.ToStep(e.SessionID(), e.stepCount)

	if err := e.buffer.AddStep(ctx, step); err != nil {
		e.log.Errorw("executor_step_write_failed", "step_num", step.StepNum, "error", err)
		e.publish(events.Error(e.SessionID(), fmt.Sprintf("step %d not confirmed in store: %v", step.StepNum, err)))
	}
}

// OnTaskCompleted closes the task as SUCCESS or FAILED. It is ignored once a
// stop has been requested.
func (e *Executor) OnTaskCompleted(ctx context.Context, success bool, errMsg string) {
	if e.stopRequested.Load() {
		e.log.Infow("executor_completion_ignored", "success", success)
		return
	}

	status := task.StatusSuccess
	if !success {
		status = task.StatusFailed
	}
	e.finalize(ctx, status, errMsg, false)
}

// Stop requests a clean stop and returns without waiting. The record is
// closed as STOPPED once the driver acknowledges the halt, or after the halt
// timeout.
func (e *Executor) Stop(ctx context.Context) {
	if !e.stopRequested.CompareAndSwap(false, true) {
		return
	}

	// A Start in progress keeps lifeMu through its store writes; the stop is
	// applied once it returns.
	if !e.lifeMu.TryLock() {
		e.log.Infow("executor_stop_deferred")
		go func() {
			e.lifeMu.Lock()
			defer e.lifeMu.Unlock()
			e.beginStop(context.WithoutCancel(ctx))
		}()
		return
	}
	defer e.lifeMu.Unlock()
	e.beginStop(ctx)
}

// beginStop moves a running task to STOPPING and halts the driver. Callers
// hold lifeMu.
func (e *Executor) beginStop(ctx context.Context) {
	e.stepMu.Lock()
	current := e.machine.Current()
	if e.finalized || current == task.StatusCreated || current.IsTerminal() {
		e.stepMu.Unlock()
		e.log.Infow("executor_stop_noop", "status", current)
		return
	}

	ok, err := e.machine.TransitionTo(ctx, task.StatusStopping)
	e.stepMu.Unlock()
	if err != nil {
		e.log.Errorw("executor_stopping_persist_failed", "error", err)
		e.publish(events.Error(e.SessionID(), fmt.Sprintf("failed to record stopping: %v", err)))
	} else if !ok {
		e.log.Infow("executor_stop_noop", "status", e.machine.Current())
		return
	}

	halted := closedChan()
	if e.driver != nil {
		halted = e.driver.Halt()
	}

	fctx := context.WithoutCancel(ctx)
	go e.awaitHalt(fctx, halted)
}

func (e *Executor) awaitHalt(ctx context.Context, halted <-chan struct{}) {
	timer := time.NewTimer(e.deps.HaltTimeout)
	defer timer.Stop()

	select {
	case <-halted:
		e.log.Infow("executor_driver_halted")
	case <-timer.C:
		e.log.Warnw("executor_halt_timeout", "timeout", e.deps.HaltTimeout)
	}

	e.finalize(ctx, task.StatusStopped, "", false)
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (e *Executor) fail(ctx context.Context, msg string) {
	e.log.Errorw("executor_start_failed", "error", msg)
	e.publish(events.Error(e.SessionID(), msg))
	e.finalize(ctx, task.StatusFailed, msg, true)
}

func (e *Executor) closeWithoutRecord() {
	e.finalizeOnce.Do(func() {
		e.stepMu.Lock()
		e.finalized = true
		e.stepMu.Unlock()
		close(e.done)
	})
}

// finalize runs at most once. force writes the terminal status even when it
// is not a lifecycle edge from the current state, which only happens when a
// task fails before it is running.
func (e *Executor) finalize(ctx context.Context, target task.TaskStatus, errMsg string, force bool) {
	e.finalizeOnce.Do(func() {
		defer close(e.done)

		e.stepMu.Lock()
		defer e.stepMu.Unlock()
		e.finalized = true

		// A stop that won the race against completion decides the outcome.
		if !force && target != task.StatusStopped && e.stopRequested.Load() {
			target, errMsg = task.StatusStopped, ""
		}

		flushErr := e.buffer.Flush(ctx)
		if flushErr != nil {
			e.log.Errorw("executor_flush_incomplete", "error", flushErr)
			e.publish(events.Error(e.SessionID(), flushErr.Error()))
		}

		e.mu.Lock()
		if !e.startedAt.IsZero() {
			e.finishedAt = time.Now()
		}
		e.mu.Unlock()
		elapsed := e.Elapsed()

		final := e.advance(ctx, target, force)
		if e.machine.Current() != final {
			e.machine.Settle(final)
		}

		finalizeErr := e.deps.Tasks.FinalizeTask(ctx, e.SessionID(), final, e.stepCount, elapsed, errMsg)
		if finalizeErr != nil {
			e.log.Errorw("executor_finalize_write_failed", "status", final, "error", finalizeErr)
			e.publish(events.Error(e.SessionID(), fmt.Sprintf("failed to write final record: %v", finalizeErr)))
		}

		e.mu.Lock()
		e.record.Status = final
		e.record.TotalSteps = e.stepCount
		e.record.TotalTime = elapsed.Seconds()
		e.record.ErrorMessage = errMsg
		e.mu.Unlock()

		metrics.RecordTaskFinalized(string(final), elapsed)

		switch {
		case e.deps.Backups == nil:
		case finalizeErr == nil && flushErr == nil && e.buffer.Unreconciled() == 0:
			if err := e.deps.Backups.Cleanup(e.SessionID()); err != nil {
				e.log.Warnw("executor_backup_cleanup_failed", "error", err)
			}
		default:
			e.saveSnapshot()
			e.log.Warnw("executor_backup_retained", "unreconciled", e.buffer.Unreconciled())
		}

		e.log.Infow("executor_finalized",
			"status", final,
			"total_steps", e.stepCount,
			"total_time", elapsed.Seconds(),
		)
		e.publish(events.TaskFinalized(e.SessionID(), final, e.stepCount, elapsed))
	})
}

// advance moves the machine to target and returns the status the final
// record should carry.
func (e *Executor) advance(ctx context.Context, target task.TaskStatus, force bool) task.TaskStatus {
	if target == task.StatusStopped && e.machine.Current() == task.StatusRunning {
		if _, err := e.machine.TransitionTo(ctx, task.StatusStopping); err != nil {
			e.log.Errorw("executor_stopping_persist_failed", "error", err)
		}
	}

	ok, err := e.machine.TransitionTo(ctx, target)
	switch {
	case ok:
		return target
	case err != nil:
		e.log.Errorw("executor_final_transition_failed", "target", target, "error", err)
		return target
	case force:
		return target
	default:
		current := e.machine.Current()
		e.log.Warnw("executor_final_transition_rejected", "target", target, "status", current)
		if current.IsTerminal() {
			return current
		}
		return target
	}
}

func (e *Executor) onStateChanged(old, new task.TaskStatus) {
	e.mu.Lock()
	e.record.Status = new
	e.mu.Unlock()

	e.saveSnapshot()
	e.publish(events.StateChanged(e.SessionID(), old, new))
}

func (e *Executor) onStepWritten(stepNum int) {
	e.publish(events.StepSaved(e.SessionID(), stepNum))
}

func (e *Executor) saveSnapshot() {
	if e.deps.Backups == nil {
		return
	}
	snapshot := e.Task()
	e.deps.Backups.SaveTaskBackup(&snapshot)
}

func (e *Executor) publish(ev events.Event) {
	if err := e.deps.Publisher.Publish(context.Background(), ev); err != nil {
		e.log.Warnw("executor_publish_failed", "type", ev.Type, "error", err)
	}
}
