// Package models contains read-side rows returned by the task repository for
// history listings and dashboards.
package models

import "time"

type TaskSummary struct {
	SessionID    string     `json:"session_id"`
	Description  string     `json:"description"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	TotalSteps   int        `json:"total_steps"`
	TotalTime    float64    `json:"total_time"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}
