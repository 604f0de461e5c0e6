// Package backup keeps a per-session file fallback of task snapshots and
// step records for when the store cannot be written, and for crash recovery.
package backup

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/metrics"
	"github.com/nadmax/taskrec/internal/task"
)

const (
	taskSuffix  = "_task.json"
	stepsSuffix = "_steps.jsonl"
)

// Manager writes <session>_task.json snapshots and <session>_steps.jsonl
// append-only logs under one directory.
type Manager struct {
	dir string
	log *logger.Logger
	mu  sync.Mutex
}

func NewManager(dir string, log *logger.Logger) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("backup dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &Manager{dir: dir, log: log.Named("backup")}, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) taskPath(sessionID string) string {
	return filepath.Join(m.dir, sessionID+taskSuffix)
}

func (m *Manager) stepsPath(sessionID string) string {
	return filepath.Join(m.dir, sessionID+stepsSuffix)
}

// SaveTaskBackup replaces the session's task snapshot. Failures are logged
// and reported as false.
func (m *Manager) SaveTaskBackup(t *task.Task) bool {
	err := m.saveTask(t)
	metrics.RecordBackupWrite("task", err)
	if err != nil {
		m.log.Errorw("backup_task_save_failed", "session_id", t.SessionID, "error", err)
		return false
	}

	m.log.Debugw("backup_task_saved", "session_id", t.SessionID, "status", t.Status)
	return true
}

func (m *Manager) saveTask(t *task.Task) error {
	if err := task.ValidateSessionID(t.SessionID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return writeFileAtomic(m.taskPath(t.SessionID), data, 0o640)
}

// SaveStepBackup appends one step to the session's step log.
func (m *Manager) SaveStepBackup(s *task.Step) bool {
	err := m.appendStep(s)
	metrics.RecordBackupWrite("step", err)
	if err != nil {
		m.log.Errorw("backup_step_save_failed", "session_id", s.SessionID, "step_num", s.StepNum, "error", err)
		return false
	}

	m.log.Infow("backup_step_saved", "session_id", s.SessionID, "step_num", s.StepNum)
	return true
}

func (m *Manager) appendStep(s *task.Step) error {
	if err := task.ValidateSessionID(s.SessionID); err != nil {
		return err
	}

	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	line = append(line, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.stepsPath(s.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open step log: %w", err)
	}

	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append step: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync step log: %w", err)
	}
	return f.Close()
}

// Recover returns the latest task snapshot and the logged steps of a session,
// ordered by step number. Either may be nil when its file does not exist.
// Unparseable step lines are skipped.
func (m *Manager) Recover(sessionID string) (*task.Task, []*task.Step, error) {
	if err := task.ValidateSessionID(sessionID); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, err := m.readTask(sessionID)
	if err != nil {
		return nil, nil, err
	}

	steps, err := m.readSteps(sessionID)
	if err != nil {
		return nil, nil, err
	}

	return snapshot, steps, nil
}

func (m *Manager) readTask(sessionID string) (*task.Task, error) {
	data, err := os.ReadFile(m.taskPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task backup: %w", err)
	}

	t, err := task.TaskFromJSON(string(data))
	if err != nil {
		return nil, fmt.Errorf("decode task backup %s: %w", sessionID, err)
	}
	return t, nil
}

func (m *Manager) readSteps(sessionID string) ([]*task.Step, error) {
	f, err := os.Open(m.stepsPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open step log: %w", err)
	}
	defer func() { _ = f.Close() }()

	seen := make(map[int]bool)
	var steps []*task.Step

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var s task.Step
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			m.log.Warnw("backup_step_line_skipped", "session_id", sessionID, "line", lineNo, "error", err)
			continue
		}
		if s.StepNum < 1 || seen[s.StepNum] {
			continue
		}
		if s.SessionID == "" {
			s.SessionID = sessionID
		}

		seen[s.StepNum] = true
		steps = append(steps, &s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan step log: %w", err)
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepNum < steps[j].StepNum })
	return steps, nil
}

// Cleanup removes both backup files of a session. Missing files are not an
// error.
func (m *Manager) Cleanup(sessionID string) error {
	if err := task.ValidateSessionID(sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, p := range []string{m.taskPath(sessionID), m.stepsPath(sessionID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.log.Errorw("backup_cleanup_failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to clean up backup of %s: %w", sessionID, err)
	}

	m.log.Infow("backup_cleanup_ok", "session_id", sessionID)
	return nil
}

func (m *Manager) HasBackup(sessionID string) bool {
	if task.ValidateSessionID(sessionID) != nil {
		return false
	}
	for _, p := range []string{m.taskPath(sessionID), m.stepsPath(sessionID)} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// ListSessions returns the ids of every session with at least one backup
// file, sorted.
func (m *Manager) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backup dir: %w", err)
	}

	set := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var id string
		switch {
		case strings.HasSuffix(name, taskSuffix):
			id = strings.TrimSuffix(name, taskSuffix)
		case strings.HasSuffix(name, stepsSuffix):
			id = strings.TrimSuffix(name, stepsSuffix)
		default:
			continue
		}
		if task.ValidateSessionID(id) == nil {
			set[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
