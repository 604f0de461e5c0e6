package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/taskrec/internal/backup"
	"github.com/nadmax/taskrec/internal/config"
	"github.com/nadmax/taskrec/internal/driver"
	"github.com/nadmax/taskrec/internal/events"
	"github.com/nadmax/taskrec/internal/repository"
	"github.com/nadmax/taskrec/internal/repository/sqlite"
	"github.com/nadmax/taskrec/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLocked = errors.New("database is locked")

type fixture struct {
	repo     *repository.MockRepository
	backups  *backup.Manager
	recorder *events.Recorder
	exec     *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := repository.NewMockRepository()
	backups, err := backup.NewManager(filepath.Join(t.TempDir(), "backup"), nil)
	require.NoError(t, err)
	recorder := events.NewRecorder()

	exec := New(Meta{Description: "open the calculator", DeviceID: "emulator-5554"}, Deps{
		Tasks:       repo,
		Steps:       repo,
		Backups:     backups,
		Publisher:   recorder,
		HaltTimeout: time.Second,
	})

	return &fixture{repo: repo, backups: backups, recorder: recorder, exec: exec}
}

func stepEvent(msg string) task.StepEvent {
	return task.StepEvent{
		Action:  map[string]any{"type": "tap"},
		Success: true,
		Message: msg,
	}
}

func waitDone(t *testing.T, e *Executor) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("executor was not finalized")
	}
}

// haltDriver acknowledges a halt only when released.
type haltDriver struct {
	release chan struct{}
	halted  chan struct{}
	once    sync.Once
	ran     bool
	runErr  error
}

func newHaltDriver() *haltDriver {
	return &haltDriver{release: make(chan struct{}), halted: make(chan struct{})}
}

func (d *haltDriver) Run(context.Context, driver.Sink) error {
	d.ran = true
	return d.runErr
}

func (d *haltDriver) Halt() <-chan struct{} {
	d.once.Do(func() {
		go func() {
			<-d.release
			close(d.halted)
		}()
	})
	return d.halted
}

func TestStartRecordStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.exec.Start(ctx))
	assert.Equal(t, task.StatusRunning, f.exec.Status())

	for i := 1; i <= 5; i++ {
		f.exec.OnStepCompleted(ctx, stepEvent("step"))
	}
	f.exec.Stop(ctx)
	waitDone(t, f.exec)

	sid := f.exec.SessionID()
	assert.Equal(t, task.StatusStopped, f.exec.Status())
	assert.Equal(t, []int{1, 2, 3, 4, 5}, f.repo.StepNums(sid))
	assert.Equal(t, []task.TaskStatus{
		task.StatusCreated, task.StatusRunning, task.StatusStopping, task.StatusStopped,
	}, f.repo.History(sid))

	require.Len(t, f.repo.FinalizeCalls, 1)
	assert.Equal(t, task.StatusStopped, f.repo.FinalizeCalls[0].Status)
	assert.Equal(t, 5, f.repo.FinalizeCalls[0].TotalSteps)

	assert.False(t, f.backups.HasBackup(sid))

	finalized := f.recorder.OfType(events.TypeTaskFinalized)
	require.Len(t, finalized, 1)
	assert.Equal(t, 5, finalized[0].TotalSteps)
	assert.Equal(t, task.StatusStopped, finalized[0].NewStatus)
	assert.Len(t, f.recorder.OfType(events.TypeStepSaved), 5)
	assert.Len(t, f.recorder.OfType(events.TypeStateChanged), 3)
	assert.Empty(t, f.recorder.OfType(events.TypeError))
}

func TestStepsAfterStopAreDropped(t *testing.T) {
	f := newFixture(t)
	d := newHaltDriver()
	f.exec.Attach(d)
	ctx := context.Background()

	require.NoError(t, f.exec.Start(ctx))
	assert.True(t, d.ran)

	for i := 0; i < 3; i++ {
		f.exec.OnStepCompleted(ctx, stepEvent("before stop"))
	}
	f.exec.Stop(ctx)

	// The driver is still winding down and reports more steps.
	f.exec.OnStepCompleted(ctx, stepEvent("after stop"))
	f.exec.OnStepCompleted(ctx, stepEvent("after stop"))
	f.exec.OnTaskCompleted(ctx, true, "")

	select {
	case <-f.exec.Done():
		t.Fatal("finalized before the driver acknowledged the halt")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, task.StatusStopping, f.exec.Status())

	close(d.release)
	waitDone(t, f.exec)

	assert.Equal(t, task.StatusStopped, f.exec.Status())
	assert.Equal(t, 3, f.exec.StepCount())
	assert.Equal(t, []int{1, 2, 3}, f.repo.StepNums(f.exec.SessionID()))
}

func TestHaltTimeout(t *testing.T) {
	f := newFixture(t)
	f.exec.deps.HaltTimeout = 20 * time.Millisecond
	f.exec.Attach(newHaltDriver())
	ctx := context.Background()

	require.NoError(t, f.exec.Start(ctx))
	f.exec.OnStepCompleted(ctx, stepEvent("one"))
	f.exec.Stop(ctx)
	waitDone(t, f.exec)

	assert.Equal(t, task.StatusStopped, f.exec.Status())
	assert.Equal(t, 1, f.exec.StepCount())
}

func TestTaskCompletion(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		errMsg  string
		want    task.TaskStatus
	}{
		{"success", true, "", task.StatusSuccess},
		{"failure", false, "element not found", task.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			require.NoError(t, f.exec.Start(ctx))
			f.exec.OnStepCompleted(ctx, stepEvent("one"))
			f.exec.OnStepCompleted(ctx, stepEvent("two"))
			f.exec.OnTaskCompleted(ctx, tt.success, tt.errMsg)
			waitDone(t, f.exec)

			// A second completion is ignored.
			f.exec.OnTaskCompleted(ctx, !tt.success, "late")

			sid := f.exec.SessionID()
			assert.Equal(t, tt.want, f.exec.Status())
			require.Len(t, f.repo.FinalizeCalls, 1)
			assert.Equal(t, tt.want, f.repo.FinalizeCalls[0].Status)
			assert.Equal(t, 2, f.repo.FinalizeCalls[0].TotalSteps)
			assert.Equal(t, tt.errMsg, f.repo.FinalizeCalls[0].ErrorMsg)

			stored, _ := f.repo.TaskStatus(sid)
			assert.Equal(t, tt.want, stored)
			assert.False(t, f.backups.HasBackup(sid))

			snapshot := f.exec.Task()
			assert.Equal(t, tt.want, snapshot.Status)
			assert.Equal(t, 2, snapshot.TotalSteps)

			f.exec.OnStepCompleted(ctx, stepEvent("after finalize"))
			assert.Equal(t, 2, f.exec.StepCount())
		})
	}
}

func TestCompletionAfterStopIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.exec.Start(ctx))
	f.exec.Stop(ctx)
	f.exec.OnTaskCompleted(ctx, false, "driver interrupted")
	waitDone(t, f.exec)

	assert.Equal(t, task.StatusStopped, f.exec.Status())
	require.Len(t, f.repo.FinalizeCalls, 1)
	assert.Empty(t, f.repo.FinalizeCalls[0].ErrorMsg)
}

func TestStartFailsWhenCreateFails(t *testing.T) {
	f := newFixture(t)
	f.repo.CreateTaskError = errors.New("disk full")

	err := f.exec.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	waitDone(t, f.exec)

	require.Len(t, f.repo.FinalizeCalls, 1)
	assert.Equal(t, task.StatusFailed, f.repo.FinalizeCalls[0].Status)
	assert.Contains(t, f.repo.FinalizeCalls[0].ErrorMsg, "failed to create task record")
	assert.Equal(t, task.StatusFailed, f.exec.Status())
	assert.Equal(t, task.StatusFailed, f.exec.Task().Status)
	assert.NotEmpty(t, f.recorder.OfType(events.TypeError))

	// The record never reached the store, so its snapshot is kept for recovery.
	snapshot, _, err := f.backups.Recover(f.exec.SessionID())
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, task.StatusFailed, snapshot.Status)
}

func TestStartFailsWhenRunningRejected(t *testing.T) {
	f := newFixture(t)
	f.repo.UpdateStateError = errors.New("store unavailable")
	d := newHaltDriver()
	f.exec.Attach(d)

	err := f.exec.Start(context.Background())
	require.Error(t, err)
	waitDone(t, f.exec)

	assert.False(t, d.ran)
	require.Len(t, f.repo.FinalizeCalls, 1)
	assert.Equal(t, task.StatusFailed, f.repo.FinalizeCalls[0].Status)
	assert.Contains(t, f.repo.FinalizeCalls[0].ErrorMsg, "failed to enter running")

	stored, _ := f.repo.TaskStatus(f.exec.SessionID())
	assert.Equal(t, task.StatusFailed, stored)
	assert.Equal(t, task.StatusFailed, f.exec.Status())
	assert.Equal(t, task.StatusFailed, f.exec.Task().Status)
	assert.Equal(t, time.Duration(0), f.exec.Elapsed())
}

func TestStartFailsWhenDriverFails(t *testing.T) {
	f := newFixture(t)
	d := newHaltDriver()
	d.runErr = errors.New("device offline")
	f.exec.Attach(d)

	err := f.exec.Start(context.Background())
	require.Error(t, err)
	waitDone(t, f.exec)

	assert.Equal(t, task.StatusFailed, f.exec.Status())
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.exec.Start(ctx))
	assert.ErrorIs(t, f.exec.Start(ctx), ErrAlreadyStarted)
	assert.Len(t, f.repo.CreateTaskCalls, 1)
}

func TestStopBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.exec.Stop(ctx)
	assert.ErrorIs(t, f.exec.Start(ctx), ErrStopped)
	waitDone(t, f.exec)
	assert.Empty(t, f.repo.CreateTaskCalls)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.exec.Start(ctx))
	f.exec.Stop(ctx)
	f.exec.Stop(ctx)
	waitDone(t, f.exec)
	f.exec.Stop(ctx)

	assert.Len(t, f.repo.FinalizeCalls, 1)
}

// slowCreate holds CreateTask until released.
type slowCreate struct {
	*repository.MockRepository
	entered chan struct{}
	release chan struct{}
}

func (s *slowCreate) CreateTask(ctx context.Context, t *task.Task) error {
	close(s.entered)
	<-s.release
	return s.MockRepository.CreateTask(ctx, t)
}

func TestStopDuringStartReturnsImmediately(t *testing.T) {
	repo := repository.NewMockRepository()
	slow := &slowCreate{MockRepository: repo, entered: make(chan struct{}), release: make(chan struct{})}
	exec := New(Meta{Description: "slow start"}, Deps{
		Tasks:       slow,
		Steps:       repo,
		HaltTimeout: time.Second,
	})
	ctx := context.Background()

	startErr := make(chan error, 1)
	go func() { startErr <- exec.Start(ctx) }()
	<-slow.entered

	stopped := make(chan struct{})
	go func() {
		exec.Stop(ctx)
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a Start in progress")
	}

	close(slow.release)
	require.NoError(t, <-startErr)
	waitDone(t, exec)

	assert.Equal(t, task.StatusStopped, exec.Status())
	assert.Equal(t, []task.TaskStatus{
		task.StatusCreated, task.StatusRunning, task.StatusStopping, task.StatusStopped,
	}, repo.History(exec.SessionID()))
}

func TestStepWriteFailureDoesNotAbortTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.exec.Start(ctx))
	f.exec.OnStepCompleted(ctx, stepEvent("one"))

	f.repo.FailNextInserts(1, errLocked)
	f.exec.OnStepCompleted(ctx, stepEvent("two"))
	f.exec.OnStepCompleted(ctx, stepEvent("three"))

	assert.Equal(t, task.StatusRunning, f.exec.Status())
	assert.Len(t, f.recorder.OfType(events.TypeError), 1)
	assert.Equal(t, []int{1, 3}, f.repo.StepNums(f.exec.SessionID()))

	f.exec.OnTaskCompleted(ctx, true, "")
	waitDone(t, f.exec)

	// Flush repaired step 2, so nothing needs to stay in backup.
	assert.Equal(t, []int{1, 2, 3}, f.repo.StepNums(f.exec.SessionID()))
	assert.Equal(t, task.StatusSuccess, f.exec.Status())
	assert.False(t, f.backups.HasBackup(f.exec.SessionID()))
}

func TestUnreconciledStepsKeepBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.exec.Start(ctx))
	sid := f.exec.SessionID()
	f.repo.FailInsertFor(sid, 2, errLocked)

	for i := 0; i < 3; i++ {
		f.exec.OnStepCompleted(ctx, stepEvent("step"))
	}
	f.exec.OnTaskCompleted(ctx, true, "")
	waitDone(t, f.exec)

	assert.Equal(t, task.StatusSuccess, f.exec.Status())
	assert.Equal(t, 3, f.repo.FinalizeCalls[0].TotalSteps)
	assert.True(t, f.backups.HasBackup(sid))

	snapshot, steps, err := f.backups.Recover(sid)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, snapshot.Status)
	require.Len(t, steps, 1)
	assert.Equal(t, 2, steps[0].StepNum)
}

func TestScriptedDriverStoppedMidway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	script := make([]driver.ScriptStep, 500)
	for i := range script {
		script[i] = driver.ScriptStep{StepEvent: stepEvent("scripted")}
	}
	d := driver.NewScripted("test", script, nil)
	d.SetInterval(time.Millisecond)
	f.exec.Attach(d)

	require.NoError(t, f.exec.Start(ctx))
	require.Eventually(t, func() bool { return f.exec.StepCount() >= 5 }, 3*time.Second, time.Millisecond)
	f.exec.Stop(ctx)
	waitDone(t, f.exec)

	nums := f.repo.StepNums(f.exec.SessionID())
	require.NotEmpty(t, nums)
	for i, n := range nums {
		assert.Equal(t, i+1, n)
	}
	assert.Equal(t, len(nums), f.repo.FinalizeCalls[0].TotalSteps)
	assert.Equal(t, task.StatusStopped, f.exec.Status())
}

func TestScriptedDriverOnSQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	pool, err := sqlite.Open(ctx, config.DatabaseConfig{
		Path:            filepath.Join(dir, "tasks.db"),
		PoolSize:        2,
		CheckoutTimeout: time.Second,
		BusyTimeoutMs:   5000,
	}, nil)
	require.NoError(t, err)
	defer func() { _ = pool.Close() }()
	require.NoError(t, pool.Migrate(ctx))

	policy := repository.DefaultRetryPolicy()
	policy.BaseDelay = time.Millisecond
	tasks := sqlite.NewTaskRepository(pool, policy, nil)
	steps := sqlite.NewStepRepository(pool, policy, nil)
	backups, err := backup.NewManager(filepath.Join(dir, "backup"), nil)
	require.NoError(t, err)

	script := []driver.ScriptStep{
		{StepEvent: stepEvent("launch")},
		{StepEvent: stepEvent("tap")},
		{StepEvent: stepEvent("type")},
	}
	d := driver.NewScripted("sqlite", script, nil)
	d.SetInterval(time.Millisecond)

	exec := New(Meta{Description: "send a text"}, Deps{Tasks: tasks, Steps: steps, Backups: backups})
	exec.Attach(d)

	require.NoError(t, exec.Start(ctx))
	waitDone(t, exec)

	stored, err := tasks.GetTask(ctx, exec.SessionID())
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, stored.Status)
	assert.Equal(t, 3, stored.TotalSteps)

	got, err := steps.GetSteps(ctx, exec.SessionID())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "type", got[2].Message)
	assert.False(t, backups.HasBackup(exec.SessionID()))
}
