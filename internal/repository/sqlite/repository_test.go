package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/taskrec/internal/config"
	"github.com/nadmax/taskrec/internal/repository"
	"github.com/nadmax/taskrec/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T) *Pool {
	t.Helper()

	cfg := config.DatabaseConfig{
		Path:            filepath.Join(t.TempDir(), "data", "tasks.db"),
		PoolSize:        3,
		CheckoutTimeout: 2 * time.Second,
		BusyTimeoutMs:   5000,
	}

	pool, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Migrate(context.Background()))
	t.Cleanup(func() { _ = pool.Close() })

	return pool
}

func testPolicy() repository.RetryPolicy {
	p := repository.DefaultRetryPolicy()
	p.BaseDelay = time.Millisecond
	return p
}

func newRepos(t *testing.T) (*TaskRepository, *StepRepository) {
	pool := openTestPool(t)
	return NewTaskRepository(pool, testPolicy(), nil), NewStepRepository(pool, testPolicy(), nil)
}

func createTask(t *testing.T, repo *TaskRepository, description string) *task.Task {
	t.Helper()
	tsk := task.NewTask(description, "", "emulator-5554", "http://localhost:8000/v1", "autoglm-phone")
	require.NoError(t, repo.CreateTask(context.Background(), tsk))
	return tsk
}

func float(v float64) *float64 { return &v }

func TestMigrateIsRepeatable(t *testing.T) {
	pool := openTestPool(t)
	assert.NoError(t, pool.Migrate(context.Background()))
}

func TestTaskRepositoryCreateAndGet(t *testing.T) {
	tasks, _ := newRepos(t)
	ctx := context.Background()

	tsk := createTask(t, tasks, "open settings")

	got, err := tasks.GetTask(ctx, tsk.SessionID)
	require.NoError(t, err)
	assert.Equal(t, tsk.SessionID, got.SessionID)
	assert.Equal(t, task.DefaultUserID, got.UserID)
	assert.Equal(t, "open settings", got.Description)
	assert.Equal(t, task.StatusCreated, got.Status)
	assert.Equal(t, "emulator-5554", got.DeviceID)
	assert.Equal(t, "autoglm-phone", got.ModelName)
	assert.Equal(t, 0, got.TotalSteps)
	assert.Nil(t, got.UpdatedAt)
	assert.WithinDuration(t, tsk.CreatedAt, got.CreatedAt, time.Microsecond)

	t.Run("duplicate session is rejected", func(t *testing.T) {
		err := tasks.CreateTask(ctx, tsk)
		assert.Error(t, err)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := tasks.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrTaskNotFound)
	})

	t.Run("invalid session id", func(t *testing.T) {
		bad := task.NewTask("x", "", "", "", "")
		bad.SessionID = "../escape"
		assert.ErrorIs(t, tasks.CreateTask(ctx, bad), task.ErrInvalidSessionID)
	})
}

func TestTaskRepositoryUpdateTaskState(t *testing.T) {
	tasks, _ := newRepos(t)
	ctx := context.Background()
	tsk := createTask(t, tasks, "send message")

	require.NoError(t, tasks.UpdateTaskState(ctx, tsk.SessionID, task.StatusRunning))

	got, err := tasks.GetTask(ctx, tsk.SessionID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.NotNil(t, got.UpdatedAt)

	err = tasks.UpdateTaskState(ctx, "missing", task.StatusRunning)
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)

	err = tasks.UpdateTaskState(ctx, tsk.SessionID, task.TaskStatus("PAUSED"))
	assert.Error(t, err)
}

func TestTaskRepositoryFinalizeTask(t *testing.T) {
	tasks, _ := newRepos(t)
	ctx := context.Background()
	tsk := createTask(t, tasks, "take a photo")

	require.NoError(t, tasks.FinalizeTask(ctx, tsk.SessionID, task.StatusFailed, 7, 1500*time.Millisecond, "model timeout"))

	got, err := tasks.GetTask(ctx, tsk.SessionID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, 7, got.TotalSteps)
	assert.InDelta(t, 1.5, got.TotalTime, 0.0001)
	assert.Equal(t, "model timeout", got.ErrorMessage)

	t.Run("step count never decreases", func(t *testing.T) {
		require.NoError(t, tasks.FinalizeTask(ctx, tsk.SessionID, task.StatusCrashed, 3, time.Second, ""))

		got, err := tasks.GetTask(ctx, tsk.SessionID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCrashed, got.Status)
		assert.Equal(t, 7, got.TotalSteps)
		assert.Empty(t, got.ErrorMessage)
	})

	t.Run("unknown session", func(t *testing.T) {
		err := tasks.FinalizeTask(ctx, "missing", task.StatusStopped, 0, 0, "")
		assert.ErrorIs(t, err, repository.ErrTaskNotFound)
	})
}

func TestTaskRepositoryQueries(t *testing.T) {
	tasks, _ := newRepos(t)
	ctx := context.Background()

	running := createTask(t, tasks, "first")
	require.NoError(t, tasks.UpdateTaskState(ctx, running.SessionID, task.StatusRunning))
	stopping := createTask(t, tasks, "second")
	require.NoError(t, tasks.UpdateTaskState(ctx, stopping.SessionID, task.StatusStopping))
	done := createTask(t, tasks, "third")
	require.NoError(t, tasks.FinalizeTask(ctx, done.SessionID, task.StatusSuccess, 2, time.Second, ""))

	t.Run("find by status", func(t *testing.T) {
		found, err := tasks.FindTasksByStatus(ctx, task.StatusRunning, task.StatusStopping)
		require.NoError(t, err)
		require.Len(t, found, 2)

		ids := []string{found[0].SessionID, found[1].SessionID}
		assert.ElementsMatch(t, []string{running.SessionID, stopping.SessionID}, ids)

		none, err := tasks.FindTasksByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("list recent newest first", func(t *testing.T) {
		recent, err := tasks.ListRecent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, done.SessionID, recent[0].SessionID)
		assert.Equal(t, stopping.SessionID, recent[1].SessionID)
		assert.Equal(t, "SUCCESS", recent[0].Status)
	})

	t.Run("count by status", func(t *testing.T) {
		counts, err := tasks.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[task.StatusRunning])
		assert.Equal(t, 1, counts[task.StatusStopping])
		assert.Equal(t, 1, counts[task.StatusSuccess])
		assert.Equal(t, 0, counts[task.StatusFailed])
	})
}

func TestStepRepositoryInsertAndGet(t *testing.T) {
	tasks, steps := newRepos(t)
	ctx := context.Background()
	tsk := createTask(t, tasks, "order coffee")

	first := &task.Step{
		SessionID:      tsk.SessionID,
		StepNum:        1,
		ScreenshotPath: "shots/1.png",
		Action:         map[string]any{"type": "tap", "x": float64(120), "y": float64(480)},
		ActionParams:   map[string]any{"duration_ms": float64(50)},
		ExecutionTime:  float(0.42),
		Success:        true,
		Message:        "tapped",
		Reasoning:      "the button is visible",
	}
	second := &task.Step{SessionID: tsk.SessionID, StepNum: 2, Success: false, Message: "element not found"}

	require.NoError(t, steps.InsertStep(ctx, second))
	require.NoError(t, steps.InsertStep(ctx, first))

	got, err := steps.GetSteps(ctx, tsk.SessionID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 1, got[0].StepNum)
	assert.Equal(t, "tap", got[0].Action["type"])
	assert.Equal(t, float64(480), got[0].Action["y"])
	assert.Equal(t, float64(50), got[0].ActionParams["duration_ms"])
	require.NotNil(t, got[0].ExecutionTime)
	assert.InDelta(t, 0.42, *got[0].ExecutionTime, 0.0001)
	assert.True(t, got[0].Success)
	assert.Equal(t, "the button is visible", got[0].Reasoning)

	assert.Equal(t, 2, got[1].StepNum)
	assert.Nil(t, got[1].Action)
	assert.Nil(t, got[1].ExecutionTime)
	assert.False(t, got[1].Success)

	exists, err := steps.StepExists(ctx, tsk.SessionID, 2)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = steps.StepExists(ctx, tsk.SessionID, 3)
	require.NoError(t, err)
	assert.False(t, exists)

	n, err := steps.CountSteps(ctx, tsk.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStepRepositoryDuplicate(t *testing.T) {
	tasks, steps := newRepos(t)
	ctx := context.Background()
	tsk := createTask(t, tasks, "dup")

	step := &task.Step{SessionID: tsk.SessionID, StepNum: 1, Success: true, Message: "ok"}
	require.NoError(t, steps.InsertStep(ctx, step))

	err := steps.InsertStep(ctx, step)
	var dup *repository.DuplicateStepError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, 1, dup.StepNum)
	assert.False(t, errors.Is(err, repository.ErrRetriesExhausted))
}

func TestStepRepositoryRejectsInvalidStep(t *testing.T) {
	_, steps := newRepos(t)
	ctx := context.Background()

	err := steps.InsertStep(ctx, &task.Step{SessionID: "s", StepNum: 0})
	assert.Error(t, err)

	err = steps.InsertStep(ctx, &task.Step{SessionID: "a/b", StepNum: 1})
	assert.ErrorIs(t, err, task.ErrInvalidSessionID)
}

func TestStepRepositoryRequiresTask(t *testing.T) {
	_, steps := newRepos(t)

	err := steps.InsertStep(context.Background(), &task.Step{SessionID: "no-such-task", StepNum: 1, Message: "x"})
	assert.Error(t, err)
}

func TestStepRepositoryBatchInsertIsAtomic(t *testing.T) {
	tasks, steps := newRepos(t)
	ctx := context.Background()
	tsk := createTask(t, tasks, "batch")

	require.NoError(t, steps.InsertStep(ctx, &task.Step{SessionID: tsk.SessionID, StepNum: 2, Message: "two"}))

	batch := []*task.Step{
		{SessionID: tsk.SessionID, StepNum: 3, Message: "three"},
		{SessionID: tsk.SessionID, StepNum: 2, Message: "two again"},
	}
	err := steps.BatchInsertSteps(ctx, batch)
	require.Error(t, err)

	n, err := steps.CountSteps(ctx, tsk.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batch = []*task.Step{
		{SessionID: tsk.SessionID, StepNum: 1, Message: "one"},
		{SessionID: tsk.SessionID, StepNum: 3, Message: "three"},
	}
	require.NoError(t, steps.BatchInsertSteps(ctx, batch))

	n, err = steps.CountSteps(ctx, tsk.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.NoError(t, steps.BatchInsertSteps(ctx, nil))
}

func TestStepRepositoryConcurrentInserts(t *testing.T) {
	tasks, steps := newRepos(t)
	ctx := context.Background()
	tsk := createTask(t, tasks, "concurrent")

	const total = 30
	var wg sync.WaitGroup
	errs := make(chan error, total)

	for i := 1; i <= total; i++ {
		wg.Add(1)
		go func(num int) {
			defer wg.Done()
			errs <- steps.InsertStep(ctx, &task.Step{SessionID: tsk.SessionID, StepNum: num, Success: true, Message: "ok"})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	n, err := steps.CountSteps(ctx, tsk.SessionID)
	require.NoError(t, err)
	assert.Equal(t, total, n)
}
