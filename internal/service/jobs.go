// Package service implements the operator-facing job operations. Every
// operation that changes a job reloads the scheduler afterwards.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/scheduler"
	"github.com/t77yq/promptcron/internal/storage"
)

// Store is the job persistence used by the service
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	UpdateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]*model.Job, error)
}

// Triggerable is the part of the scheduler the service drives
type Triggerable interface {
	Trigger(ctx context.Context, jobID string) error
	Reload(ctx context.Context) error
}

// PauseOptions describes a pause request. Either field may be set.
type PauseOptions struct {
	Until    *time.Time `json:"until,omitempty"`
	SkipRuns int        `json:"skip_runs,omitempty"`
}

// JobService exposes job CRUD and the pause, resume and trigger controls
type JobService struct {
	logger    *zap.Logger
	store     Store
	scheduler Triggerable
	now       func() time.Time
}

// NewJobService creates a job service
func NewJobService(store Store, sched Triggerable, logger *zap.Logger) *JobService {
	return &JobService{
		logger:    logger.Named("service"),
		store:     store,
		scheduler: sched,
		now:       time.Now,
	}
}

// CreateJob validates and stores a new job
func (s *JobService) CreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	job.ID = ""
	if job.Status == "" {
		job.Status = model.JobStatusEnabled
	}
	job.LastRunAt = nil
	job.NextRunAt = nil
	normalize(job)

	if err := validate(job); err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("Job created",
		zap.String("job_id", job.ID),
		zap.String("job_name", job.Name),
		zap.String("type", string(job.Type)))
	s.reload(ctx)
	return job, nil
}

// UpdateJob replaces the definition of an existing job. Run bookkeeping
// (last_run_at, next_run_at, created_at) is preserved.
func (s *JobService) UpdateJob(ctx context.Context, id string, update *model.Job) (*model.Job, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, err
	}

	job.Name = update.Name
	job.Prompt = update.Prompt
	job.Type = update.Type
	job.Schedule = update.Schedule
	job.RunAt = update.RunAt
	job.MaxBudgetUSD = update.MaxBudgetUSD
	job.AllowedTools = update.AllowedTools
	job.UseBrowser = update.UseBrowser
	job.Model = update.Model
	job.PausedUntil = update.PausedUntil
	job.SkipRuns = update.SkipRuns
	if update.Status != "" {
		job.Status = update.Status
	}
	normalize(job)

	if err := validate(job); err != nil {
		return nil, err
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, s.notFound(id, err)
	}

	s.logger.Info("Job updated", zap.String("job_id", id))
	s.reload(ctx)
	return job, nil
}

// DeleteJob removes a job and its schedule
func (s *JobService) DeleteJob(ctx context.Context, id string) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return s.notFound(id, err)
	}

	s.logger.Info("Job deleted", zap.String("job_id", id))
	s.reload(ctx)
	return nil
}

// GetJob returns one job
func (s *JobService) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return s.getJob(ctx, id)
}

// ListJobs returns every job
func (s *JobService) ListJobs(ctx context.Context) ([]*model.Job, error) {
	return s.store.ListJobs(ctx)
}

// Pause suppresses automatic firings until a time and/or for a number of firings
func (s *JobService) Pause(ctx context.Context, id string, opts PauseOptions) (*model.Job, error) {
	if opts.Until == nil && opts.SkipRuns <= 0 {
		return nil, ErrInvalidPause
	}
	if opts.SkipRuns < 0 {
		return nil, fmt.Errorf("%w: skip_runs must not be negative", model.ErrInvalidJob)
	}

	return s.mutate(ctx, id, "Job paused", func(job *model.Job) error {
		if opts.Until != nil {
			job.PausedUntil = model.UTC(opts.Until)
		}
		if opts.SkipRuns > 0 {
			job.SkipRuns = opts.SkipRuns
		}
		return nil
	})
}

// Resume clears both pause settings
func (s *JobService) Resume(ctx context.Context, id string) (*model.Job, error) {
	return s.mutate(ctx, id, "Job resumed", func(job *model.Job) error {
		job.PausedUntil = nil
		job.SkipRuns = 0
		return nil
	})
}

// Enable makes a job eligible for scheduling again. A once job needs a
// run_at in the future, otherwise it would fire immediately.
func (s *JobService) Enable(ctx context.Context, id string) (*model.Job, error) {
	return s.mutate(ctx, id, "Job enabled", func(job *model.Job) error {
		if job.Status == model.JobStatusEnabled {
			return nil
		}
		if job.Type == model.JobTypeOnce && (job.RunAt == nil || !job.RunAt.After(s.now())) {
			return fmt.Errorf("%w: once job needs a future run_at before it can be enabled", model.ErrInvalidJob)
		}
		job.Status = model.JobStatusEnabled
		return nil
	})
}

// Disable stops scheduling a job
func (s *JobService) Disable(ctx context.Context, id string) (*model.Job, error) {
	return s.mutate(ctx, id, "Job disabled", func(job *model.Job) error {
		job.Status = model.JobStatusDisabled
		job.NextRunAt = nil
		return nil
	})
}

// Trigger runs the job now regardless of its pause settings
func (s *JobService) Trigger(ctx context.Context, id string) error {
	if err := s.scheduler.Trigger(ctx, id); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return err
	}
	return nil
}

func (s *JobService) mutate(ctx context.Context, id, msg string, fn func(job *model.Job) error) (*model.Job, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, s.notFound(id, err)
	}

	s.logger.Info(msg, zap.String("job_id", id))
	s.reload(ctx)
	return job, nil
}

func (s *JobService) getJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, s.notFound(id, err)
	}
	return job, nil
}

// reload reschedules after a change. The change is already persisted, so a
// failure here is logged rather than returned.
func (s *JobService) reload(ctx context.Context) {
	if err := s.scheduler.Reload(ctx); err != nil {
		s.logger.Error("Failed to reload scheduler", zap.Error(err))
	}
}

func (s *JobService) notFound(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return err
}

func normalize(job *model.Job) {
	job.RunAt = model.UTC(job.RunAt)
	job.PausedUntil = model.UTC(job.PausedUntil)
}

func validate(job *model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.Type == model.JobTypeCron {
		if err := scheduler.ValidateSchedule(job.Schedule); err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidJob, err)
		}
	}
	return nil
}
