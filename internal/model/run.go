package model

import "time"

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusRunning        RunStatus = "running"
	RunStatusSuccess        RunStatus = "success"
	RunStatusError          RunStatus = "error"
	RunStatusBudgetExceeded RunStatus = "budget_exceeded"
)

// Terminal reports whether the status is a completed outcome
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusError || s == RunStatusBudgetExceeded
}

// Run is one execution attempt of a job
type Run struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	Status      RunStatus  `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CostUSD     float64    `json:"cost_usd"`
	DurationMS  int64      `json:"duration_ms"`
	StopReason  StopReason `json:"stop_reason,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
