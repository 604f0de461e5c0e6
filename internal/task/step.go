package task

import (
	"encoding/json"
	"fmt"
)

// Step is one recorded action of a session. It is never mutated once stored.
type Step struct {
	SessionID          string         `json:"session_id"`
	StepNum            int            `json:"step_num"`
	ScreenshotPath     string         `json:"screenshot_path,omitempty"`
	ScreenshotAnalysis string         `json:"screenshot_analysis,omitempty"`
	Action             map[string]any `json:"action,omitempty"`
	ActionParams       map[string]any `json:"action_params,omitempty"`
	ExecutionTime      *float64       `json:"execution_time,omitempty"`
	Success            bool           `json:"success"`
	Message            string         `json:"message"`
	Reasoning          string         `json:"reasoning,omitempty"`
}

// StepEvent is what the execution driver reports for a finished step. The
// executor assigns the session and step number.
type StepEvent struct {
	ScreenshotPath     string         `json:"screenshot_path,omitempty"`
	ScreenshotAnalysis string         `json:"screenshot_analysis,omitempty"`
	Action             map[string]any `json:"action,omitempty"`
	ActionParams       map[string]any `json:"action_params,omitempty"`
	ExecutionTime      *float64       `json:"execution_time,omitempty"`
	Success            bool           `json:"success"`
	Message            string         `json:"message"`
	Reasoning          string         `json:"reasoning,omitempty"`
}

func (e StepEvent) ToStep(sessionID string, stepNum int) *Step {
	return &Step{
		SessionID:          sessionID,
		StepNum:            stepNum,
		ScreenshotPath:     e.ScreenshotPath,
		ScreenshotAnalysis: e.ScreenshotAnalysis,
		Action:             e.Action,
		ActionParams:       e.ActionParams,
		ExecutionTime:      e.ExecutionTime,
		Success:            e.Success,
		Message:            e.Message,
		Reasoning:          e.Reasoning,
	}
}

// EncodeStructured serializes an action map for a TEXT column. Empty maps are
// stored as NULL.
func EncodeStructured(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal structured field: %w", err)
	}
	return string(data), nil
}

func DecodeStructured(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal structured field: %w", err)
	}
	return out, nil
}
