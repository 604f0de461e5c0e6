package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/repository"
	"github.com/nadmax/taskrec/internal/task"
)

type StepRepository struct {
	pool  *Pool
	retry repository.RetryPolicy
	log   *logger.Logger
}

var _ repository.StepRepository = (*StepRepository)(nil)

func NewStepRepository(pool *Pool, retry repository.RetryPolicy, log *logger.Logger) *StepRepository {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("step_repo")
	if retry.OnRetry == nil {
		retry.OnRetry = retryLogger(log)
	}

	return &StepRepository{pool: pool, retry: retry, log: log}
}

const insertStepQuery = `
	INSERT INTO steps (
		session_id, step_num, screenshot_path, screenshot_analysis,
		action, action_params, execution_time, success, message, reasoning_text
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertStep(ctx context.Context, ex execer, s *task.Step) error {
	action, err := task.EncodeStructured(s.Action)
	if err != nil {
		return err
	}
	params, err := task.EncodeStructured(s.ActionParams)
	if err != nil {
		return err
	}

	var execTime any
	if s.ExecutionTime != nil {
		execTime = *s.ExecutionTime
	}

	_, err = ex.ExecContext(ctx, insertStepQuery,
		s.SessionID,
		s.StepNum,
		nullString(s.ScreenshotPath),
		nullString(s.ScreenshotAnalysis),
		action,
		params,
		execTime,
		s.Success,
		s.Message,
		nullString(s.Reasoning),
	)
	if err != nil && isUniqueViolation(err) {
		return &repository.DuplicateStepError{SessionID: s.SessionID, StepNum: s.StepNum}
	}
	return err
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func validateStep(s *task.Step) error {
	if err := task.ValidateSessionID(s.SessionID); err != nil {
		return err
	}
	if s.StepNum < 1 {
		return fmt.Errorf("task: invalid step number %d", s.StepNum)
	}
	return nil
}

func (r *StepRepository) InsertStep(ctx context.Context, s *task.Step) error {
	if err := validateStep(s); err != nil {
		return err
	}

	err := r.retry.Do(ctx, "insert_step", func(ctx context.Context) error {
		return r.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
			return insertStep(ctx, conn, s)
		})
	})
	if err != nil {
		r.log.Errorw("step_repo_insert_failed", "session_id", s.SessionID, "step_num", s.StepNum, "error", err)
		return fmt.Errorf("failed to insert step %d of %s: %w", s.StepNum, s.SessionID, err)
	}

	r.log.Debugw("step_repo_insert_ok", "session_id", s.SessionID, "step_num", s.StepNum)
	return nil
}

// BatchInsertSteps stores every step in one transaction. A single failure
// rolls back the whole batch.
func (r *StepRepository) BatchInsertSteps(ctx context.Context, steps []*task.Step) error {
	if len(steps) == 0 {
		return nil
	}
	for _, s := range steps {
		if err := validateStep(s); err != nil {
			return err
		}
	}

	err := r.retry.Do(ctx, "batch_insert_steps", func(ctx context.Context) error {
		return r.pool.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			for _, s := range steps {
				if err := insertStep(ctx, tx, s); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		r.log.Errorw("step_repo_batch_insert_failed", "count", len(steps), "error", err)
		return fmt.Errorf("failed to insert %d steps: %w", len(steps), err)
	}

	r.log.Infow("step_repo_batch_insert_ok", "session_id", steps[0].SessionID, "count", len(steps))
	return nil
}

func (r *StepRepository) StepExists(ctx context.Context, sessionID string, stepNum int) (bool, error) {
	query := `SELECT 1 FROM steps WHERE session_id = ? AND step_num = ? LIMIT 1`

	exists := false
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var one int
		err := conn.QueryRowContext(ctx, query, sessionID, stepNum).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check step %d of %s: %w", stepNum, sessionID, err)
	}

	return exists, nil
}

func (r *StepRepository) GetSteps(ctx context.Context, sessionID string) ([]*task.Step, error) {
	query := `
		SELECT session_id, step_num, screenshot_path, screenshot_analysis,
			action, action_params, execution_time, success, message, reasoning_text
		FROM steps
		WHERE session_id = ?
		ORDER BY step_num
	`

	var steps []*task.Step
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, sessionID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s task.Step
			var path, analysis, action, params, reasoning sql.NullString
			var execTime sql.NullFloat64

			if err := rows.Scan(
				&s.SessionID,
				&s.StepNum,
				&path,
				&analysis,
				&action,
				&params,
				&execTime,
				&s.Success,
				&s.Message,
				&reasoning,
			); err != nil {
				return err
			}

			s.ScreenshotPath = path.String
			s.ScreenshotAnalysis = analysis.String
			s.Reasoning = reasoning.String
			if execTime.Valid {
				v := execTime.Float64
				s.ExecutionTime = &v
			}
			if s.Action, err = task.DecodeStructured(action.String); err != nil {
				return err
			}
			if s.ActionParams, err = task.DecodeStructured(params.String); err != nil {
				return err
			}

			steps = append(steps, &s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get steps of %s: %w", sessionID, err)
	}

	return steps, nil
}

func (r *StepRepository) CountSteps(ctx context.Context, sessionID string) (int, error) {
	query := `SELECT COUNT(*) FROM steps WHERE session_id = ?`

	var n int
	err := r.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, sessionID).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count steps of %s: %w", sessionID, err)
	}

	return n, nil
}
