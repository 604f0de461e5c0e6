// Package dashboard serves aggregate task statistics and recent history.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nadmax/taskrec/internal/httputil"
	"github.com/nadmax/taskrec/internal/repository/models"
	"github.com/nadmax/taskrec/internal/task"
)

type TaskSource interface {
	CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error)
	ListRecent(ctx context.Context, limit int) ([]models.TaskSummary, error)
}

type Dashboard struct {
	tasks TaskSource
	now   func() time.Time
}

type Stats struct {
	TotalTasks      int            `json:"total_tasks"`
	ActiveTasks     int            `json:"active_tasks"`
	SucceededTasks  int            `json:"succeeded_tasks"`
	FailedTasks     int            `json:"failed_tasks"`
	StoppedTasks    int            `json:"stopped_tasks"`
	CrashedTasks    int            `json:"crashed_tasks"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	AverageDuration string         `json:"average_duration"`
	AverageSteps    float64        `json:"average_steps"`
	LastUpdated     time.Time      `json:"last_updated"`
}

type TaskHistory struct {
	SessionID   string          `json:"session_id"`
	Description string          `json:"description"`
	Status      task.TaskStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  *time.Time      `json:"finished_at"`
	TotalSteps  int             `json:"total_steps"`
	Duration    string          `json:"duration"`
}

const statsSample = 200

func NewDashboard(tasks TaskSource) *Dashboard {
	return &Dashboard{tasks: tasks, now: time.Now}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := d.tasks.CountByStatus(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		TasksByStatus: make(map[string]int, len(task.AllStatuses)),
		LastUpdated:   d.now(),
	}
	for _, st := range task.AllStatuses {
		n := counts[st]
		stats.TasksByStatus[string(st)] = n
		stats.TotalTasks += n

		switch st {
		case task.StatusRunning, task.StatusStopping:
			stats.ActiveTasks += n
		case task.StatusSuccess:
			stats.SucceededTasks += n
		case task.StatusFailed:
			stats.FailedTasks += n
		case task.StatusStopped:
			stats.StoppedTasks += n
		case task.StatusCrashed:
			stats.CrashedTasks += n
		}
	}

	recent, err := d.tasks.ListRecent(r.Context(), statsSample)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var totalTime float64
	totalSteps, finished := 0, 0
	for _, s := range recent {
		if !task.TaskStatus(s.Status).IsTerminal() {
			continue
		}
		totalTime += s.TotalTime
		totalSteps += s.TotalSteps
		finished++
	}

	if finished > 0 {
		avg := time.Duration(totalTime / float64(finished) * float64(time.Second))
		stats.AverageDuration = avg.Round(time.Millisecond).String()
		stats.AverageSteps = float64(totalSteps) / float64(finished)
	} else {
		stats.AverageDuration = "N/A"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		httputil.WriteJSONError(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// GetRecentTasks lists tasks finished in the last 24 hours.
func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	recent, err := d.tasks.ListRecent(r.Context(), statsSample)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := d.now().Add(-24 * time.Hour)
	history := []TaskHistory{}

	for _, s := range recent {
		status := task.TaskStatus(s.Status)
		if !status.IsTerminal() || s.UpdatedAt == nil {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			continue
		}

		duration := time.Duration(s.TotalTime * float64(time.Second))
		history = append(history, TaskHistory{
			SessionID:   s.SessionID,
			Description: s.Description,
			Status:      status,
			CreatedAt:   s.CreatedAt,
			FinishedAt:  s.UpdatedAt,
			TotalSteps:  s.TotalSteps,
			Duration:    duration.Round(time.Millisecond).String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(history); err != nil {
		httputil.WriteJSONError(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}
