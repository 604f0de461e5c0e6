// Package task defines the task and step records persisted for every
// session, the task status set and its legal transition graph.
package task

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus string
	Task       struct {
		SessionID    string     `json:"session_id"`
		UserID       string     `json:"user_id"`
		CreatedAt    time.Time  `json:"created_at"`
		Description  string     `json:"description"`
		Status       TaskStatus `json:"status"`
		TotalSteps   int        `json:"total_steps"`
		TotalTime    float64    `json:"total_time"`
		ErrorMessage string     `json:"error_message,omitempty"`
		DeviceID     string     `json:"device_id,omitempty"`
		Endpoint     string     `json:"endpoint,omitempty"`
		ModelName    string     `json:"model_name,omitempty"`
		UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	}
)

const (
	StatusCreated  TaskStatus = "CREATED"
	StatusRunning  TaskStatus = "RUNNING"
	StatusStopping TaskStatus = "STOPPING"
	StatusStopped  TaskStatus = "STOPPED"
	StatusSuccess  TaskStatus = "SUCCESS"
	StatusFailed   TaskStatus = "FAILED"
	StatusCrashed  TaskStatus = "CRASHED"
)

const DefaultUserID = "default_user"

var ErrInvalidSessionID = errors.New("task: invalid session id")

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	StatusCreated,
	StatusRunning,
	StatusStopping,
	StatusStopped,
	StatusSuccess,
	StatusFailed,
	StatusCrashed,
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusCreated:  {StatusRunning},
	StatusRunning:  {StatusStopping, StatusSuccess, StatusFailed},
	StatusStopping: {StatusStopped},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// Crashed is reachable from every status except itself.
func CanTransition(from, to TaskStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusCrashed {
		return from != StatusCrashed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusSuccess, StatusFailed, StatusCrashed:
		return true
	default:
		return false
	}
}

// IsActive reports whether a worker may still be producing steps.
func (s TaskStatus) IsActive() bool {
	return s == StatusRunning || s == StatusStopping
}

func (s TaskStatus) String() string {
	return string(s)
}

func ParseStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", errors.New("task: unknown status " + s)
	}
	return st, nil
}

func NewSessionID() string {
	return uuid.New().String()
}

// ValidateSessionID rejects ids that are empty or could escape a directory
// when used as part of a file name.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" || id == "." || id == ".." {
		return ErrInvalidSessionID
	}
	if strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return ErrInvalidSessionID
	}
	return nil
}

func NewTask(description, userID, deviceID, endpoint, modelName string) *Task {
	if userID == "" {
		userID = DefaultUserID
	}

	return &Task{
		SessionID:   NewSessionID(),
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
		Description: description,
		Status:      StatusCreated,
		DeviceID:    deviceID,
		Endpoint:    endpoint,
		ModelName:   modelName,
	}
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}
