package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType represents how a job is triggered
type JobType string

const (
	JobTypeCron JobType = "cron"
	JobTypeOnce JobType = "once"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusEnabled   JobStatus = "enabled"
	JobStatusDisabled  JobStatus = "disabled"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ErrInvalidJob is wrapped by every Job validation failure
var ErrInvalidJob = errors.New("invalid job")

// Job is a persisted prompt executed once or on a recurring schedule
type Job struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Prompt       string     `json:"prompt"`
	Type         JobType    `json:"type"`
	Schedule     string     `json:"schedule,omitempty"`
	RunAt        *time.Time `json:"run_at,omitempty"`
	MaxBudgetUSD float64    `json:"max_budget_usd"`
	AllowedTools []string   `json:"allowed_tools,omitempty"`
	UseBrowser   bool       `json:"use_browser"`
	Model        string     `json:"model,omitempty"`
	PausedUntil  *time.Time `json:"paused_until,omitempty"`
	SkipRuns     int        `json:"skip_runs"`
	Status       JobStatus  `json:"status"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks that schedule and run_at match the job type and the execution constraints
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if strings.TrimSpace(j.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidJob)
	}
	switch j.Type {
	case JobTypeCron:
		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("%w: cron job requires a schedule", ErrInvalidJob)
		}
		if j.RunAt != nil {
			return fmt.Errorf("%w: cron job must not set run_at", ErrInvalidJob)
		}
	case JobTypeOnce:
		if j.RunAt == nil {
			return fmt.Errorf("%w: once job requires run_at", ErrInvalidJob)
		}
		if j.Schedule != "" {
			return fmt.Errorf("%w: once job must not set a schedule", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidJob, j.Type)
	}
	if j.MaxBudgetUSD <= 0 {
		return fmt.Errorf("%w: max_budget_usd must be positive", ErrInvalidJob)
	}
	if j.SkipRuns < 0 {
		return fmt.Errorf("%w: skip_runs must not be negative", ErrInvalidJob)
	}
	switch j.Status {
	case JobStatusEnabled, JobStatusDisabled, JobStatusCompleted, JobStatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, j.Status)
	}
	return nil
}

// IsPaused reports whether automatic firings are suppressed at now
func (j *Job) IsPaused(now time.Time) bool {
	return j.PausedUntil != nil && j.PausedUntil.After(now)
}

// UTC returns t converted to UTC, or nil
func UTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
