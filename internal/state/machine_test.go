package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nadmax/taskrec/internal/repository"
	"github.com/nadmax/taskrec/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMachine(t *testing.T) (*Machine, *repository.MockRepository) {
	t.Helper()
	repo := repository.NewMockRepository()
	tsk := task.NewTask("test", "", "", "", "")
	require.NoError(t, repo.CreateTask(context.Background(), tsk))
	return New(tsk.SessionID, repo, nil), repo
}

func TestMachineStartsCreated(t *testing.T) {
	m, _ := newMachine(t)
	assert.Equal(t, task.StatusCreated, m.Current())
	assert.False(t, m.IsTerminal())
	assert.False(t, m.IsActive())
}

func TestTransitionToRunningTwice(t *testing.T) {
	m, repo := newMachine(t)
	ctx := context.Background()

	ok, err := m.TransitionTo(ctx, task.StatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, task.StatusRunning, m.Current())

	ok, err = m.TransitionTo(ctx, task.StatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, task.StatusRunning, m.Current())

	stored, _ := repo.TaskStatus(m.SessionID())
	assert.Equal(t, task.StatusRunning, stored)
	assert.Equal(t, 1, repo.GetUpdateStateCallCount())
}

func TestTransitionWalks(t *testing.T) {
	tests := []struct {
		name  string
		walk  []task.TaskStatus
		final task.TaskStatus
	}{
		{"success", []task.TaskStatus{task.StatusRunning, task.StatusSuccess}, task.StatusSuccess},
		{"failure", []task.TaskStatus{task.StatusRunning, task.StatusFailed}, task.StatusFailed},
		{"stop", []task.TaskStatus{task.StatusRunning, task.StatusStopping, task.StatusStopped}, task.StatusStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, repo := newMachine(t)
			for _, s := range tt.walk {
				ok, err := m.TransitionTo(context.Background(), s)
				require.NoError(t, err)
				require.True(t, ok, "transition to %s", s)
			}
			assert.Equal(t, tt.final, m.Current())
			assert.True(t, m.IsTerminal())

			want := append([]task.TaskStatus{task.StatusCreated}, tt.walk...)
			assert.Equal(t, want, repo.History(m.SessionID()))
		})
	}
}

func TestIllegalPairsNeverPersist(t *testing.T) {
	ctx := context.Background()

	for _, from := range task.AllStatuses {
		for _, to := range task.AllStatuses {
			if task.CanTransition(from, to) && to != task.StatusCrashed {
				continue
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				repo := repository.NewMockRepository()
				tsk := task.NewTask("illegal", "", "", "", "")
				require.NoError(t, repo.CreateTask(ctx, tsk))
				if from != task.StatusCreated {
					require.NoError(t, repo.UpdateTaskState(ctx, tsk.SessionID, from))
				}
				before := repo.GetUpdateStateCallCount()

				m := Restore(tsk.SessionID, from, repo, nil)
				ok, err := m.TransitionTo(ctx, to)
				require.NoError(t, err)
				assert.False(t, ok)
				assert.Equal(t, from, m.Current())
				assert.Equal(t, before, repo.GetUpdateStateCallCount())

				stored, _ := repo.TaskStatus(tsk.SessionID)
				assert.Equal(t, from, stored)
			})
		}
	}
}

func TestTransitionPersistFailureKeepsStatus(t *testing.T) {
	m, repo := newMachine(t)
	repo.UpdateStateError = errors.New("disk full")

	var called bool
	m.AddListener(func(_, _ task.TaskStatus) { called = true })

	ok, err := m.TransitionTo(context.Background(), task.StatusRunning)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, task.StatusCreated, m.Current())
	assert.False(t, called)
}

func TestTransitionMissingSession(t *testing.T) {
	repo := repository.NewMockRepository()
	m := New("never-created", repo, nil)

	ok, err := m.TransitionTo(context.Background(), task.StatusRunning)
	assert.False(t, ok)
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
	assert.Equal(t, task.StatusCreated, m.Current())
}

func TestMarkCrashed(t *testing.T) {
	m, repo := newMachine(t)
	ctx := context.Background()

	_, err := m.TransitionTo(ctx, task.StatusRunning)
	require.NoError(t, err)

	ok, err := m.TransitionTo(ctx, task.StatusCrashed)
	require.NoError(t, err)
	assert.False(t, ok, "crashed is not reachable through TransitionTo")

	ok, err = m.MarkCrashed(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, task.StatusCrashed, m.Current())

	ok, err = m.MarkCrashed(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, _ := repo.TaskStatus(m.SessionID())
	assert.Equal(t, task.StatusCrashed, stored)
}

func TestSettle(t *testing.T) {
	m, repo := newMachine(t)

	var notified int
	m.AddListener(func(_, _ task.TaskStatus) { notified++ })

	assert.False(t, m.Settle(task.StatusRunning), "only terminal statuses settle")
	assert.False(t, m.Settle(task.StatusCrashed))
	assert.Equal(t, task.StatusCreated, m.Current())

	assert.True(t, m.Settle(task.StatusFailed))
	assert.Equal(t, task.StatusFailed, m.Current())
	assert.True(t, m.Settle(task.StatusFailed))
	assert.False(t, m.Settle(task.StatusSuccess))
	assert.Equal(t, task.StatusFailed, m.Current())

	assert.Zero(t, notified)
	assert.Empty(t, repo.UpdateStateCalls)
}

func TestListenersAreNotified(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()

	var got [][2]task.TaskStatus
	m.AddListener(func(_, _ task.TaskStatus) { panic("listener bug") })
	m.AddListener(func(old, new task.TaskStatus) { got = append(got, [2]task.TaskStatus{old, new}) })

	_, err := m.TransitionTo(ctx, task.StatusRunning)
	require.NoError(t, err)
	_, err = m.TransitionTo(ctx, task.StatusStopping)
	require.NoError(t, err)
	_, _ = m.TransitionTo(ctx, task.StatusSuccess)

	assert.Equal(t, [][2]task.TaskStatus{
		{task.StatusCreated, task.StatusRunning},
		{task.StatusRunning, task.StatusStopping},
	}, got)
}

func TestConcurrentTerminalTransitions(t *testing.T) {
	m, repo := newMachine(t)
	ctx := context.Background()

	_, err := m.TransitionTo(ctx, task.StatusRunning)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, to := range []task.TaskStatus{task.StatusStopping, task.StatusSuccess, task.StatusFailed, task.StatusSuccess} {
		wg.Add(1)
		go func(to task.TaskStatus) {
			defer wg.Done()
			if ok, _ := m.TransitionTo(ctx, to); ok {
				wins.Add(1)
			}
		}(to)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	history := repo.History(m.SessionID())
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.True(t, task.CanTransition(history[i-1], history[i]))
	}
}
