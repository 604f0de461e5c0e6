package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/taskrec/internal/repository/models"
	"github.com/nadmax/taskrec/internal/task"
)

// MockRepository is an in-memory TaskRepository and StepRepository that
// records calls and can be told to fail, for tests of the layers above the
// store.
type MockRepository struct {
	mu                  sync.Mutex
	Tasks               map[string]*task.Task
	Steps               map[string]map[int]*task.Step
	StatusHistory       map[string][]task.TaskStatus
	CreateTaskCalls     []string
	UpdateStateCalls    []UpdateStateCall
	FinalizeCalls       []FinalizeCall
	InsertStepCalls     []StepKey
	StepExistsCalls     []StepKey
	CreateTaskError     error
	UpdateStateError    error
	FinalizeError       error
	StepExistsError     error
	GetTaskError        error
	FindByStatusError   error
	insertFailures      int
	insertStepError     error
	failInsertFor       map[StepKey]error
	dropInsertsSilently bool
}

type UpdateStateCall struct {
	SessionID string
	Status    task.TaskStatus
}

type FinalizeCall struct {
	SessionID  string
	Status     task.TaskStatus
	TotalSteps int
	TotalTime  time.Duration
	ErrorMsg   string
}

type StepKey struct {
	SessionID string
	StepNum   int
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		Tasks:         make(map[string]*task.Task),
		Steps:         make(map[string]map[int]*task.Step),
		StatusHistory: make(map[string][]task.TaskStatus),
		failInsertFor: make(map[StepKey]error),
	}
}

// FailNextInserts makes the next n InsertStep calls return err.
func (m *MockRepository) FailNextInserts(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertFailures = n
	m.insertStepError = err
}

// FailInsertFor makes every insert of the given step return err until cleared
// with a nil err.
func (m *MockRepository) FailInsertFor(sessionID string, stepNum int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := StepKey{SessionID: sessionID, StepNum: stepNum}
	if err == nil {
		delete(m.failInsertFor, key)
		return
	}
	m.failInsertFor[key] = err
}

// DropInsertsSilently makes InsertStep report success without storing,
// simulating a write that was acknowledged but lost.
func (m *MockRepository) DropInsertsSilently(drop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropInsertsSilently = drop
}

func (m *MockRepository) CreateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateTaskCalls = append(m.CreateTaskCalls, t.SessionID)
	if m.CreateTaskError != nil {
		return m.CreateTaskError
	}

	taskCopy := *t
	taskCopy.Status = task.StatusCreated
	taskCopy.TotalSteps = 0
	m.Tasks[t.SessionID] = &taskCopy
	m.StatusHistory[t.SessionID] = append(m.StatusHistory[t.SessionID], task.StatusCreated)
	return nil
}

func (m *MockRepository) UpdateTaskState(ctx context.Context, sessionID string, status task.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateStateCalls = append(m.UpdateStateCalls, UpdateStateCall{SessionID: sessionID, Status: status})
	if m.UpdateStateError != nil {
		return m.UpdateStateError
	}

	t, ok := m.Tasks[sessionID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = status
	now := time.Now()
	t.UpdatedAt = &now
	m.StatusHistory[sessionID] = append(m.StatusHistory[sessionID], status)
	return nil
}

func (m *MockRepository) FinalizeTask(ctx context.Context, sessionID string, status task.TaskStatus, totalSteps int, totalTime time.Duration, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FinalizeCalls = append(m.FinalizeCalls, FinalizeCall{
		SessionID:  sessionID,
		Status:     status,
		TotalSteps: totalSteps,
		TotalTime:  totalTime,
		ErrorMsg:   errMsg,
	})
	if m.FinalizeError != nil {
		return m.FinalizeError
	}

	t, ok := m.Tasks[sessionID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != status {
		m.StatusHistory[sessionID] = append(m.StatusHistory[sessionID], status)
	}
	t.Status = status
	if totalSteps > t.TotalSteps {
		t.TotalSteps = totalSteps
	}
	t.TotalTime = totalTime.Seconds()
	t.ErrorMessage = errMsg
	now := time.Now()
	t.UpdatedAt = &now
	return nil
}

func (m *MockRepository) GetTask(ctx context.Context, sessionID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskError != nil {
		return nil, m.GetTaskError
	}
	t, ok := m.Tasks[sessionID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	taskCopy := *t
	return &taskCopy, nil
}

func (m *MockRepository) FindTasksByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FindByStatusError != nil {
		return nil, m.FindByStatusError
	}

	var out []*task.Task
	for _, t := range m.Tasks {
		for _, st := range statuses {
			if t.Status == st {
				taskCopy := *t
				out = append(out, &taskCopy)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (m *MockRepository) ListRecent(ctx context.Context, limit int) ([]models.TaskSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.TaskSummary, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		out = append(out, models.TaskSummary{
			SessionID:    t.SessionID,
			Description:  t.Description,
			Status:       string(t.Status),
			CreatedAt:    t.CreatedAt,
			UpdatedAt:    t.UpdatedAt,
			TotalSteps:   t.TotalSteps,
			TotalTime:    t.TotalTime,
			ErrorMessage: t.ErrorMessage,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockRepository) CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[task.TaskStatus]int)
	for _, t := range m.Tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *MockRepository) InsertStep(ctx context.Context, s *task.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := StepKey{SessionID: s.SessionID, StepNum: s.StepNum}
	m.InsertStepCalls = append(m.InsertStepCalls, key)

	if err, ok := m.failInsertFor[key]; ok {
		return err
	}
	if m.insertFailures > 0 {
		m.insertFailures--
		return m.insertStepError
	}
	if m.dropInsertsSilently {
		return nil
	}

	return m.storeStepLocked(s)
}

func (m *MockRepository) storeStepLocked(s *task.Step) error {
	byNum, ok := m.Steps[s.SessionID]
	if !ok {
		byNum = make(map[int]*task.Step)
		m.Steps[s.SessionID] = byNum
	}
	if _, exists := byNum[s.StepNum]; exists {
		return &DuplicateStepError{SessionID: s.SessionID, StepNum: s.StepNum}
	}
	stepCopy := *s
	byNum[s.StepNum] = &stepCopy
	return nil
}

func (m *MockRepository) BatchInsertSteps(ctx context.Context, steps []*task.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[StepKey]bool, len(steps))
	for _, s := range steps {
		key := StepKey{SessionID: s.SessionID, StepNum: s.StepNum}
		if err, ok := m.failInsertFor[key]; ok {
			return err
		}
		if staged[key] {
			return &DuplicateStepError{SessionID: s.SessionID, StepNum: s.StepNum}
		}
		if _, exists := m.Steps[s.SessionID][s.StepNum]; exists {
			return &DuplicateStepError{SessionID: s.SessionID, StepNum: s.StepNum}
		}
		staged[key] = true
	}

	for _, s := range steps {
		if err := m.storeStepLocked(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockRepository) StepExists(ctx context.Context, sessionID string, stepNum int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StepExistsCalls = append(m.StepExistsCalls, StepKey{SessionID: sessionID, StepNum: stepNum})
	if m.StepExistsError != nil {
		return false, m.StepExistsError
	}
	_, ok := m.Steps[sessionID][stepNum]
	return ok, nil
}

func (m *MockRepository) GetSteps(ctx context.Context, sessionID string) ([]*task.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*task.Step, 0, len(m.Steps[sessionID]))
	for _, s := range m.Steps[sessionID] {
		stepCopy := *s
		out = append(out, &stepCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNum < out[j].StepNum })
	return out, nil
}

func (m *MockRepository) CountSteps(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Steps[sessionID]), nil
}

func (m *MockRepository) StepNums(sessionID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	nums := make([]int, 0, len(m.Steps[sessionID]))
	for n := range m.Steps[sessionID] {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

func (m *MockRepository) TaskStatus(sessionID string) (task.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.Tasks[sessionID]
	if !ok {
		return "", false
	}
	return t.Status, true
}

func (m *MockRepository) History(sessionID string) []task.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.TaskStatus(nil), m.StatusHistory[sessionID]...)
}

func (m *MockRepository) GetUpdateStateCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.UpdateStateCalls)
}
