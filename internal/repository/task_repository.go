// Package repository declares the persistence contracts for task and step
// records, the shared error kinds, and the retry policy applied to every
// store-mutating operation.
package repository

import (
	"context"
	"time"

	"github.com/nadmax/taskrec/internal/repository/models"
	"github.com/nadmax/taskrec/internal/task"
)

type TaskRepository interface {
	CreateTask(ctx context.Context, t *task.Task) error
	// UpdateTaskState returns ErrTaskNotFound when the session does not exist.
	UpdateTaskState(ctx context.Context, sessionID string, status task.TaskStatus) error
	FinalizeTask(ctx context.Context, sessionID string, status task.TaskStatus, totalSteps int, totalTime time.Duration, errMsg string) error
	GetTask(ctx context.Context, sessionID string) (*task.Task, error)
	FindTasksByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]*task.Task, error)
	ListRecent(ctx context.Context, limit int) ([]models.TaskSummary, error)
	CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error)
}

type StepRepository interface {
	InsertStep(ctx context.Context, s *task.Step) error
	// BatchInsertSteps is all-or-nothing.
	BatchInsertSteps(ctx context.Context, steps []*task.Step) error
	StepExists(ctx context.Context, sessionID string, stepNum int) (bool, error)
	GetSteps(ctx context.Context, sessionID string) ([]*task.Step, error)
	CountSteps(ctx context.Context, sessionID string) (int, error)
}
