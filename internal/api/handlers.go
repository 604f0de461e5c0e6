// Package api exposes the read-only task history over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/nadmax/taskrec/internal/dashboard"
	"github.com/nadmax/taskrec/internal/events"
	"github.com/nadmax/taskrec/internal/httputil"
	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/repository"
	"github.com/nadmax/taskrec/internal/repository/models"
	"github.com/nadmax/taskrec/internal/task"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// EventReader reads back published notifications.
type EventReader interface {
	Read(ctx context.Context, start string, count int64) ([]events.Event, error)
}

type API struct {
	tasks  repository.TaskRepository
	steps  repository.StepRepository
	events EventReader
	log    *logger.Logger
	mux    *http.ServeMux
}

type TaskDetail struct {
	Task  *task.Task   `json:"task"`
	Steps []*task.Step `json:"steps"`
}

func NewAPI(tasks repository.TaskRepository, steps repository.StepRepository, log *logger.Logger) *API {
	if log == nil {
		log = logger.NewNop()
	}

	api := &API{
		tasks: tasks,
		steps: steps,
		log:   log.Named("api"),
		mux:   http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

// WithEvents enables /api/events.
func (a *API) WithEvents(r EventReader) *API {
	a.events = r
	return a
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/tasks", a.listTasks)
	a.mux.HandleFunc("/api/tasks/", a.getTask)
	a.mux.HandleFunc("/api/events", a.listEvents)

	dash := dashboard.NewDashboard(a.tasks)
	a.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("/api/dashboard/history", dash.GetRecentTasks)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		httputil.WriteJSONError(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rawStatus := r.URL.Query().Get("status")
	if rawStatus == "" {
		summaries, err := a.tasks.ListRecent(r.Context(), limit)
		if err != nil {
			a.log.Errorw("api_list_tasks_failed", "error", err)
			httputil.WriteJSONError(w, "Failed to list tasks", http.StatusInternalServerError)
			return
		}
		if summaries == nil {
			summaries = []models.TaskSummary{}
		}
		writeJSON(w, summaries)
		return
	}

	var statuses []task.TaskStatus
	for _, part := range strings.Split(rawStatus, ",") {
		st, err := task.ParseStatus(part)
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		statuses = append(statuses, st)
	}

	found, err := a.tasks.FindTasksByStatus(r.Context(), statuses...)
	if err != nil {
		a.log.Errorw("api_find_tasks_failed", "status", rawStatus, "error", err)
		httputil.WriteJSONError(w, "Failed to list tasks", http.StatusInternalServerError)
		return
	}
	if found == nil {
		found = []*task.Task{}
	}
	if len(found) > limit {
		found = found[:limit]
	}
	writeJSON(w, found)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	sessionID, sub, _ := strings.Cut(rest, "/")
	if sessionID == "" {
		httputil.WriteJSONError(w, "Session ID is required", http.StatusBadRequest)
		return
	}
	if sub != "" && sub != "steps" {
		httputil.WriteJSONError(w, "Not found", http.StatusNotFound)
		return
	}

	t, err := a.tasks.GetTask(r.Context(), sessionID)
	if errors.Is(err, repository.ErrTaskNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.log.Errorw("api_get_task_failed", "session_id", sessionID, "error", err)
		httputil.WriteJSONError(w, "Failed to load task", http.StatusInternalServerError)
		return
	}

	steps, err := a.steps.GetSteps(r.Context(), sessionID)
	if err != nil {
		a.log.Errorw("api_get_steps_failed", "session_id", sessionID, "error", err)
		httputil.WriteJSONError(w, "Failed to load steps", http.StatusInternalServerError)
		return
	}
	if steps == nil {
		steps = []*task.Step{}
	}

	if sub == "steps" {
		writeJSON(w, steps)
		return
	}
	writeJSON(w, TaskDetail{Task: t, Steps: steps})
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.events == nil {
		httputil.WriteJSONError(w, "Event stream is not enabled", http.StatusNotFound)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	evs, err := a.events.Read(r.Context(), r.URL.Query().Get("since"), int64(limit))
	if err != nil {
		a.log.Errorw("api_read_events_failed", "error", err)
		httputil.WriteJSONError(w, "Failed to read events", http.StatusInternalServerError)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, evs)
}
