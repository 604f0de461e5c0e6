// Package events carries task notifications to the controlling layer.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nadmax/taskrec/internal/task"
)

type Type string

const (
	TypeStateChanged  Type = "state_changed"
	TypeStepSaved     Type = "step_saved"
	TypeTaskFinalized Type = "task_finalized"
	TypeError         Type = "error"
)

type Event struct {
	Type       Type            `json:"type"`
	SessionID  string          `json:"session_id"`
	OldStatus  task.TaskStatus `json:"old_status,omitempty"`
	NewStatus  task.TaskStatus `json:"new_status,omitempty"`
	StepNum    int             `json:"step_num,omitempty"`
	TotalSteps int             `json:"total_steps,omitempty"`
	TotalTime  float64         `json:"total_time,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func StateChanged(sessionID string, old, new task.TaskStatus) Event {
	return Event{Type: TypeStateChanged, SessionID: sessionID, OldStatus: old, NewStatus: new, Timestamp: time.Now().UTC()}
}

func StepSaved(sessionID string, stepNum int) Event {
	return Event{Type: TypeStepSaved, SessionID: sessionID, StepNum: stepNum, Timestamp: time.Now().UTC()}
}

func TaskFinalized(sessionID string, status task.TaskStatus, totalSteps int, totalTime time.Duration) Event {
	return Event{
		Type:       TypeTaskFinalized,
		SessionID:  sessionID,
		NewStatus:  status,
		TotalSteps: totalSteps,
		TotalTime:  totalTime.Seconds(),
		Timestamp:  time.Now().UTC(),
	}
}

func Error(sessionID, message string) Event {
	return Event{Type: TypeError, SessionID: sessionID, Message: message, Timestamp: time.Now().UTC()}
}

func (e Event) ToJSON() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func EventFromJSON(data string) (Event, error) {
	var e Event
	err := json.Unmarshal([]byte(data), &e)
	return e, err
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
