// Package executor runs one firing of a job: it applies the pause and skip
// rules, records the run, invokes the supervisor and persists the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/storage"
	"github.com/t77yq/promptcron/internal/supervisor"
)

// Store is the persistence the executor needs
type Store interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	CreateRun(ctx context.Context, run *model.Run) error
	CompleteRun(ctx context.Context, run *model.Run) error
}

// Runner executes a supervised engine invocation
type Runner interface {
	Run(ctx context.Context, req supervisor.Request) (*model.ExecutionResult, error)
}

// Notifier delivers a run summary. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Publisher announces run lifecycle events
type Publisher interface {
	RunStarted(ctx context.Context, job *model.Job, run *model.Run) error
	RunCompleted(ctx context.Context, job *model.Job, run *model.Run) error
}

// Options modify a single execution
type Options struct {
	// ManualTrigger bypasses paused_until and skip_runs
	ManualTrigger bool
}

// Executor executes jobs
type Executor struct {
	logger    *zap.Logger
	store     Store
	runner    Runner
	notifier  Notifier
	publisher Publisher
	now       func() time.Time

	running sync.Map // run id -> job id
}

// New creates an executor. notifier and publisher may be nil.
func New(store Store, runner Runner, notifier Notifier, publisher Publisher, logger *zap.Logger) *Executor {
	return &Executor{
		logger:    logger.Named("executor"),
		store:     store,
		runner:    runner,
		notifier:  notifier,
		publisher: publisher,
		now:       time.Now,
	}
}

// Execute runs the job once and returns the persisted run, or nil when the
// firing was suppressed or the job no longer exists. Engine failures are
// recorded on the run and the job rather than returned.
func (e *Executor) Execute(ctx context.Context, jobID string, opts Options) (*model.Run, error) {
	logger := e.logger.With(zap.String("job_id", jobID))

	job, err := e.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("Job not found, skipping execution")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	if !opts.ManualTrigger {
		if job.Status != model.JobStatusEnabled {
			logger.Info("Job not enabled, skipping firing", zap.String("status", string(job.Status)))
			return nil, nil
		}
		suppressed, err := e.suppressed(ctx, job)
		if err != nil {
			return nil, err
		}
		if suppressed {
			return nil, nil
		}
	}

	run := &model.Run{JobID: job.ID, StartedAt: e.now().UTC()}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	logger = logger.With(zap.String("run_id", run.ID))
	logger.Info("Run started",
		zap.String("job_name", job.Name),
		zap.Bool("manual", opts.ManualTrigger))

	e.running.Store(run.ID, job.ID)
	defer e.running.Delete(run.ID)

	if e.publisher != nil {
		if err := e.publisher.RunStarted(ctx, job, run); err != nil {
			logger.Warn("Failed to publish run start", zap.Error(err))
		}
	}

	res, runErr := e.runner.Run(ctx, supervisor.Request{
		RunID:        run.ID,
		Prompt:       job.Prompt,
		Model:        job.Model,
		MaxBudgetUSD: job.MaxBudgetUSD,
		AllowedTools: job.AllowedTools,
		UseBrowser:   job.UseBrowser,
	})
	applyResult(run, job, res, runErr)

	// the outcome is recorded even when the caller has gone away
	persistCtx := context.WithoutCancel(ctx)
	if err := e.store.CompleteRun(persistCtx, run); err != nil {
		return run, fmt.Errorf("failed to complete run: %w", err)
	}

	if err := e.finishJob(persistCtx, job.ID, run, runErr != nil); err != nil {
		logger.Error("Failed to update job after run", zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.String("stop_reason", string(run.StopReason)),
		zap.Float64("cost_usd", run.CostUSD),
		zap.Int64("duration_ms", run.DurationMS),
	}
	if runErr != nil {
		logger.Error("Run failed", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("Run completed", fields...)
	}

	if e.notifier != nil {
		e.notifier.Notify(persistCtx, FormatRun(job, run))
	}
	if e.publisher != nil {
		if err := e.publisher.RunCompleted(persistCtx, job, run); err != nil {
			logger.Warn("Failed to publish run completion", zap.Error(err))
		}
	}

	return run, nil
}

// Running returns the ids of runs currently executing
func (e *Executor) Running() []string {
	var ids []string
	e.running.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

// suppressed applies paused_until and skip_runs to an automatic firing
func (e *Executor) suppressed(ctx context.Context, job *model.Job) (bool, error) {
	now := e.now()
	logger := e.logger.With(zap.String("job_id", job.ID))

	if job.IsPaused(now) {
		logger.Info("Job paused, skipping firing", zap.Time("paused_until", *job.PausedUntil))
		return true, nil
	}

	changed := false
	if job.PausedUntil != nil {
		job.PausedUntil = nil
		changed = true
	}

	skip := job.SkipRuns > 0
	if skip {
		job.SkipRuns--
		changed = true
		// a once job has no later occurrence to fall back on
		if job.Type == model.JobTypeOnce {
			job.Status = model.JobStatusCompleted
			job.NextRunAt = nil
		}
	}

	if changed {
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return false, fmt.Errorf("failed to update pause state: %w", err)
		}
	}
	if skip {
		logger.Info("Skipping firing", zap.Int("skip_runs_left", job.SkipRuns))
	}
	return skip, nil
}

// finishJob records the run on a freshly loaded copy of the job, so control
// operations made while the run was in flight are not overwritten.
func (e *Executor) finishJob(ctx context.Context, jobID string, run *model.Run, engineFailed bool) error {
	job, err := e.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	job.LastRunAt = run.CompletedAt
	switch {
	case engineFailed:
		job.Status = model.JobStatusFailed
	case job.Type == model.JobTypeOnce:
		job.Status = model.JobStatusCompleted
		job.NextRunAt = nil
	}
	return e.store.UpdateJob(ctx, job)
}

// applyResult fills the run's outcome from the supervisor's result
func applyResult(run *model.Run, job *model.Job, res *model.ExecutionResult, runErr error) {
	if res != nil {
		run.Result = res.Result
		run.CostUSD = res.CostUSD
		run.DurationMS = res.DurationMS
		run.StopReason = res.StopReason
		run.SessionID = res.SessionID
	}

	if runErr != nil {
		run.Status = model.RunStatusError
		run.Error = runErr.Error()
		if run.StopReason == "" {
			run.StopReason = model.StopReasonError
		}
		return
	}

	if job.MaxBudgetUSD > 0 && run.CostUSD >= job.MaxBudgetUSD {
		run.Status = model.RunStatusBudgetExceeded
		return
	}

	switch run.StopReason {
	case model.StopReasonBudgetExceeded:
		run.Status = model.RunStatusBudgetExceeded
	case model.StopReasonInterrupted, model.StopReasonStaleTimeout,
		model.StopReasonMessageLimit, model.StopReasonError:
		run.Status = model.RunStatusError
		run.Error = run.Result
	default:
		run.Status = model.RunStatusSuccess
	}
}
