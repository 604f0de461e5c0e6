// Package state enforces the task lifecycle graph for one session and
// persists every accepted transition before it takes effect in memory.
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/metrics"
	"github.com/nadmax/taskrec/internal/task"
)

// Store is the persistence the machine writes through.
type Store interface {
	UpdateTaskState(ctx context.Context, sessionID string, status task.TaskStatus) error
}

type Listener func(old, new task.TaskStatus)

type Machine struct {
	sessionID string
	store     Store
	log       *logger.Logger

	mu        sync.Mutex
	current   task.TaskStatus
	listeners []Listener
}

// New returns a machine for a freshly created task.
func New(sessionID string, store Store, log *logger.Logger) *Machine {
	return Restore(sessionID, task.StatusCreated, store, log)
}

// Restore returns a machine positioned at a status read back from the store.
func Restore(sessionID string, status task.TaskStatus, store Store, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.NewNop()
	}

	return &Machine{
		sessionID: sessionID,
		store:     store,
		log:       log.Named("state").With("session_id", sessionID),
		current:   status,
	}
}

func (m *Machine) SessionID() string {
	return m.sessionID
}

func (m *Machine) Current() task.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Machine) IsTerminal() bool {
	return m.Current().IsTerminal()
}

func (m *Machine) IsActive() bool {
	return m.Current().IsActive()
}

// AddListener registers fn to be called after every committed transition.
// Listeners run with the machine locked and must not call back into it.
func (m *Machine) AddListener(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// TransitionTo moves the task to status to. It returns false with a nil error
// when the move is not an edge of the lifecycle graph, and false with the
// store error when the new status could not be persisted. CRASHED is only
// reachable through MarkCrashed.
func (m *Machine) TransitionTo(ctx context.Context, to task.TaskStatus) (bool, error) {
	if to == task.StatusCrashed {
		m.mu.Lock()
		from := m.current
		m.mu.Unlock()

		m.reject(from, to, "crashed is reserved for recovery")
		return false, nil
	}

	return m.transition(ctx, to)
}

// MarkCrashed records that the process owning this task exited while it was
// not finished.
func (m *Machine) MarkCrashed(ctx context.Context) (bool, error) {
	return m.transition(ctx, task.StatusCrashed)
}

// Settle positions the machine at a terminal status that was written to the
// store outside the lifecycle graph, such as a task that failed before it
// ever ran. Nothing is persisted and listeners are not called.
func (m *Machine) Settle(status task.TaskStatus) bool {
	if !status.IsTerminal() || status == task.StatusCrashed {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == status {
		return true
	}
	if m.current.IsTerminal() {
		m.log.Warnw("state_settle_rejected", "status", m.current, "to", status)
		return false
	}

	m.log.Infow("state_settled", "from", m.current, "to", status)
	m.current = status
	return true
}

func (m *Machine) transition(ctx context.Context, to task.TaskStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if !task.CanTransition(from, to) {
		m.reject(from, to, "illegal transition")
		return false, nil
	}

	if err := m.store.UpdateTaskState(ctx, m.sessionID, to); err != nil {
		m.log.Errorw("state_transition_persist_failed", "from", from, "to", to, "error", err)
		return false, fmt.Errorf("failed to persist transition %s -> %s: %w", from, to, err)
	}

	m.current = to
	metrics.RecordTransition(string(from), string(to))
	m.log.Infow("state_transition_ok", "from", from, "to", to)

	for _, fn := range m.listeners {
		m.notify(fn, from, to)
	}

	return true, nil
}

func (m *Machine) reject(from, to task.TaskStatus, reason string) {
	metrics.RecordIllegalTransition(string(from), string(to))
	m.log.Warnw("state_transition_rejected", "from", from, "to", to, "reason", reason)
}

func (m *Machine) notify(fn Listener, from, to task.TaskStatus) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("state_listener_panic", "from", from, "to", to, "panic", r)
		}
	}()
	fn(from, to)
}
