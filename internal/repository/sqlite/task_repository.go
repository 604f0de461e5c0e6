package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/repository"
	"github.com/nadmax/taskrec/internal/repository/models"
	"github.com/nadmax/taskrec/internal/task"
)

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type TaskRepository struct {
	pool  *Pool
	retry repository.RetryPolicy
	log   *logger.Logger
}

var _ repository.TaskRepository = (*TaskRepository)(nil)

func NewTaskRepository(pool *Pool, retry repository.RetryPolicy, log *logger.Logger) *TaskRepository {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("task_repo")
	if retry.OnRetry == nil {
		retry.OnRetry = retryLogger(log)
	}

	return &TaskRepository{pool: pool, retry: retry, log: log}
}

func retryLogger(log *logger.Logger) func(string, int, time.Duration, error) {
	return func(op string, attempt int, delay time.Duration, err error) {
		log.Warnw("store_retry", "op", op, "attempt", attempt, "delay", delay, "error", err)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateTask inserts the record with status CREATED and no steps, whatever
// the status and counters carried by t.
func (r *TaskRepository) CreateTask(ctx context.Context, t *task.Task) error {
	if err := task.ValidateSessionID(t.SessionID); err != nil {
		return err
	}
	userID := t.UserID
	if userID == "" {
		userID = task.DefaultUserID
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tasks (
			session_id, user_id, created_at, description, status,
			total_steps, device_id, endpoint, model_name
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.retry.Do(ctx, "create_task", func(ctx context.Context) error {
		return r.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
			_, err := conn.ExecContext(ctx, query,
				t.SessionID,
				userID,
				formatTime(createdAt),
				t.Description,
				string(task.StatusCreated),
				0,
				nullString(t.DeviceID),
				nullString(t.Endpoint),
				nullString(t.ModelName),
			)
			return err
		})
	})
	if err != nil {
		r.log.Errorw("task_repo_create_failed", "session_id", t.SessionID, "error", err)
		return fmt.Errorf("failed to create task %s: %w", t.SessionID, err)
	}

	r.log.Infow("task_repo_create_ok", "session_id", t.SessionID)
	return nil
}

func (r *TaskRepository) UpdateTaskState(ctx context.Context, sessionID string, status task.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("task: invalid status %q", status)
	}

	query := `UPDATE tasks SET status = ?, updated_at = ? WHERE session_id = ?`

	err := r.retry.Do(ctx, "update_task_state", func(ctx context.Context) error {
		return r.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
			res, err := conn.ExecContext(ctx, query, string(status), formatTime(time.Now()), sessionID)
			if err != nil {
				return err
			}
			return requireRow(res, sessionID)
		})
	})
	if err != nil {
		r.log.Errorw("task_repo_update_state_failed", "session_id", sessionID, "status", status, "error", err)
		return fmt.Errorf("failed to update state of task %s: %w", sessionID, err)
	}

	r.log.Debugw("task_repo_update_state_ok", "session_id", sessionID, "status", status)
	return nil
}

// FinalizeTask writes the terminal status and totals. The stored step count
// never decreases.
func (r *TaskRepository) FinalizeTask(ctx context.Context, sessionID string, status task.TaskStatus, totalSteps int, totalTime time.Duration, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("task: invalid status %q", status)
	}

	query := `
		UPDATE tasks
		SET status = ?, total_steps = MAX(total_steps, ?), total_time = ?,
			error_message = ?, updated_at = ?
		WHERE session_id = ?
	`

	err := r.retry.Do(ctx, "finalize_task", func(ctx context.Context) error {
		return r.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
			res, err := conn.ExecContext(ctx, query,
				string(status),
				totalSteps,
				totalTime.Seconds(),
				nullString(errMsg),
				formatTime(time.Now()),
				sessionID,
			)
			if err != nil {
				return err
			}
			return requireRow(res, sessionID)
		})
	})
	if err != nil {
		r.log.Errorw("task_repo_finalize_failed", "session_id", sessionID, "status", status, "error", err)
		return fmt.Errorf("failed to finalize task %s: %w", sessionID, err)
	}

	r.log.Infow("task_repo_finalize_ok",
		"session_id", sessionID,
		"status", status,
		"total_steps", totalSteps,
		"total_time", totalTime.Seconds(),
	)
	return nil
}

func requireRow(res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", repository.ErrTaskNotFound, sessionID)
	}
	return nil
}

const taskColumns = `
	session_id, user_id, created_at, description, status, total_steps,
	total_time, error_message, device_id, endpoint, model_name, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var createdAt, status string
	var totalTime sql.NullFloat64
	var errMsg, deviceID, endpoint, modelName, updatedAt sql.NullString

	if err := row.Scan(
		&t.SessionID,
		&t.UserID,
		&createdAt,
		&t.Description,
		&status,
		&t.TotalSteps,
		&totalTime,
		&errMsg,
		&deviceID,
		&endpoint,
		&modelName,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = created
	t.Status = task.TaskStatus(status)
	t.TotalTime = totalTime.Float64
	t.ErrorMessage = errMsg.String
	t.DeviceID = deviceID.String
	t.Endpoint = endpoint.String
	t.ModelName = modelName.String

	if updatedAt.Valid {
		u, err := parseTime(updatedAt.String)
		if err != nil {
			return nil, err
		}
		t.UpdatedAt = &u
	}

	return &t, nil
}

func (r *TaskRepository) GetTask(ctx context.Context, sessionID string) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = ?`

	var t *task.Task
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var err error
		t, err = scanTask(conn.QueryRowContext(ctx, query, sessionID))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", repository.ErrTaskNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", sessionID, err)
	}

	return t, nil
}

func (r *TaskRepository) FindTasksByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]*task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY created_at`

	var tasks []*task.Task
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find tasks by status: %w", err)
	}

	return tasks, nil
}

func (r *TaskRepository) ListRecent(ctx context.Context, limit int) ([]models.TaskSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT session_id, description, status, created_at, updated_at,
			total_steps, total_time, error_message
		FROM tasks
		ORDER BY created_at DESC
		LIMIT ?
	`

	var summaries []models.TaskSummary
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s models.TaskSummary
			var createdAt string
			var updatedAt, errMsg sql.NullString
			var totalTime sql.NullFloat64

			if err := rows.Scan(
				&s.SessionID,
				&s.Description,
				&s.Status,
				&createdAt,
				&updatedAt,
				&s.TotalSteps,
				&totalTime,
				&errMsg,
			); err != nil {
				return err
			}

			if s.CreatedAt, err = parseTime(createdAt); err != nil {
				return err
			}
			if updatedAt.Valid {
				u, err := parseTime(updatedAt.String)
				if err != nil {
					return err
				}
				s.UpdatedAt = &u
			}
			s.TotalTime = totalTime.Float64
			s.ErrorMessage = errMsg.String

			summaries = append(summaries, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recent tasks: %w", err)
	}

	return summaries, nil
}

func (r *TaskRepository) CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM tasks GROUP BY status`

	counts := make(map[task.TaskStatus]int)
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[task.TaskStatus(status)] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}

	return counts, nil
}
