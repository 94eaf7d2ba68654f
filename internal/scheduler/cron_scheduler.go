package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/executor"
	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/storage"
)

// Config configures the scheduler
type Config struct {
	// Location interprets cron expressions; defaults to UTC
	Location *time.Location
}

// CronScheduler arms one trigger per enabled job: a cron entry for recurring
// jobs and a timer for one-shot jobs.
type CronScheduler struct {
	logger   *zap.Logger
	store    Store
	executor JobExecutor
	parser   cron.Parser
	location *time.Location
	now      func() time.Time

	// firings run under ctx; it is cancelled only when Stop gives up waiting
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cron    *cron.Cron
	handles map[string]handle
	// jobs with a scheduled firing handed to the executor and not yet finished
	firing  map[string]struct{}
	started bool
	stopped bool
}

// NewCronScheduler creates a scheduler
func NewCronScheduler(store Store, exec JobExecutor, config Config, logger *zap.Logger) *CronScheduler {
	logger = logger.Named("scheduler")
	if config.Location == nil {
		config.Location = time.UTC
	}

	cronLogger := &cronLogger{logger: logger.Named("cron")}
	parser := cron.NewParser(cronParseOptions)
	cronOptions := []cron.Option{
		cron.WithParser(parser),
		cron.WithLocation(config.Location),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		logger:   logger,
		store:    store,
		executor: exec,
		parser:   parser,
		location: config.Location,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		cron:     cron.New(cronOptions...),
		handles:  make(map[string]handle),
		firing:   make(map[string]struct{}),
	}
}

// Start schedules every enabled job and starts the cron runner
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}

	if err := s.reloadLocked(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.started = true

	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.handles)))
	return nil
}

// Reload cancels every armed trigger and reschedules from the store
func (s *CronScheduler) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if !s.started {
		return ErrNotStarted
	}
	return s.reloadLocked(ctx)
}

func (s *CronScheduler) reloadLocked(ctx context.Context) error {
	for id, h := range s.handles {
		h.stop()
		delete(s.handles, id)
	}

	jobs, err := s.store.ListEnabledJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list enabled jobs: %w", err)
	}

	for _, job := range jobs {
		if err := s.scheduleJob(ctx, job); err != nil {
			s.logger.Error("Failed to schedule job, skipping",
				zap.String("job_id", job.ID),
				zap.String("job_name", job.Name),
				zap.Error(err))
		}
	}

	s.logger.Debug("Schedule reloaded", zap.Int("jobs", len(s.handles)))
	return nil
}

// scheduleJob arms the trigger for job. Callers hold s.mu.
func (s *CronScheduler) scheduleJob(ctx context.Context, job *model.Job) error {
	switch job.Type {
	case model.JobTypeCron:
		schedule, err := s.parser.Parse(job.Schedule)
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
		}

		entry := s.cron.Schedule(schedule, &cronJob{scheduler: s, jobID: job.ID, schedule: schedule})
		s.handles[job.ID] = cronHandle{cron: s.cron, entry: entry}

		next := schedule.Next(s.now().In(s.location)).UTC()
		s.setNextRun(ctx, job.ID, &next)

		s.logger.Info("Scheduled cron job",
			zap.String("job_id", job.ID),
			zap.String("job_name", job.Name),
			zap.String("schedule", job.Schedule),
			zap.Time("next_run", next))
		return nil

	case model.JobTypeOnce:
		if job.RunAt == nil {
			return fmt.Errorf("%w: once job without run_at", model.ErrInvalidJob)
		}
		if _, ok := s.firing[job.ID]; ok {
			return nil
		}

		runAt := job.RunAt.UTC()
		s.setNextRun(ctx, job.ID, &runAt)

		now := s.now()
		fireAt := runAt
		if job.IsPaused(now) && job.PausedUntil.After(fireAt) {
			fireAt = job.PausedUntil.UTC()
		}

		delay := fireAt.Sub(now)
		if delay <= 0 {
			s.logger.Info("Once job is due, executing now",
				zap.String("job_id", job.ID),
				zap.Time("run_at", runAt))
			s.fireOnceLocked(job.ID)
			return nil
		}

		h := &timerHandle{}
		jobID := job.ID
		h.timer = time.AfterFunc(delay, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			// a reload or stop replaced this timer after it had already fired
			if s.stopped || s.handles[jobID] != handle(h) {
				return
			}
			delete(s.handles, jobID)
			s.fireOnceLocked(jobID)
		})
		s.handles[job.ID] = h

		s.logger.Info("Scheduled once job",
			zap.String("job_id", job.ID),
			zap.String("job_name", job.Name),
			zap.Time("run_at", runAt),
			zap.Duration("delay", delay))
		return nil

	default:
		return fmt.Errorf("%w: unknown type %q", model.ErrInvalidJob, job.Type)
	}
}

// Trigger executes the job now, bypassing pause and skip settings. The run
// proceeds in the background; the schedule is left untouched.
func (s *CronScheduler) Trigger(ctx context.Context, jobID string) error {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return err
	}

	if !s.fire(jobID, true) {
		return ErrStopped
	}
	s.logger.Info("Job triggered manually", zap.String("job_id", jobID))
	return nil
}

// Scheduled returns the ids of jobs with an armed trigger
func (s *CronScheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return ids
}

// Stop disarms every trigger and waits for in-flight firings until ctx is
// done, after which the remaining runs are interrupted.
func (s *CronScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id, h := range s.handles {
		h.stop()
		delete(s.handles, id)
	}
	s.mu.Unlock()

	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		s.logger.Warn("Scheduler stop timed out, interrupting in-flight runs")
		return ctx.Err()
	}
}

// fire runs one execution of jobID in the background. It reports false
// when the scheduler has been stopped.
func (s *CronScheduler) fire(jobID string, manual bool) bool {
	if !s.track() {
		return false
	}
	go func() {
		defer s.wg.Done()
		s.execute(jobID, manual)
	}()
	return true
}

// fireOnceLocked starts a once job at most once until its execution
// returns. Callers hold s.mu.
func (s *CronScheduler) fireOnceLocked(jobID string) {
	s.firing[jobID] = struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.finishFiring(jobID)
		s.execute(jobID, false)
	}()
}

// beginFiring claims a scheduled firing of jobID. It reports false when the
// scheduler is stopped or a previous firing of the job is still executing,
// including one started by a trigger armed before the last reload.
func (s *CronScheduler) beginFiring(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.firing[jobID]; ok {
		s.logger.Info("Previous firing still running, skipping", zap.String("job_id", jobID))
		return false
	}
	s.firing[jobID] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *CronScheduler) finishFiring(jobID string) {
	s.mu.Lock()
	delete(s.firing, jobID)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *CronScheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *CronScheduler) execute(jobID string, manual bool) {
	run, err := s.executor.Execute(s.ctx, jobID, executor.Options{ManualTrigger: manual})
	if err != nil {
		s.logger.Error("Job execution failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	if run == nil {
		s.logger.Debug("Job firing skipped", zap.String("job_id", jobID))
		return
	}
	s.disarmIfInactive(jobID)
}

// disarmIfInactive removes the trigger of a job that a run left failed,
// completed or deleted, so it does not fire again before the next reload.
func (s *CronScheduler) disarmIfInactive(jobID string) {
	job, err := s.store.GetJob(s.ctx, jobID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		s.logger.Warn("Failed to reload job after run",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	case job.Status == model.JobStatusEnabled:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[jobID]; ok {
		h.stop()
		delete(s.handles, jobID)
		s.logger.Info("Job no longer enabled, trigger removed", zap.String("job_id", jobID))
	}
}

func (s *CronScheduler) setNextRun(ctx context.Context, jobID string, next *time.Time) {
	if err := s.store.SetNextRun(ctx, jobID, next); err != nil {
		s.logger.Warn("Failed to persist next run",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

// cronJob implements cron.Job
type cronJob struct {
	scheduler *CronScheduler
	jobID     string
	schedule  cron.Schedule
}

// Run implements cron.Job. It blocks for the whole execution so that
// SkipIfStillRunning can drop overlapping firings of this entry; firings
// from entries armed by an earlier reload are dropped by beginFiring.
func (j *cronJob) Run() {
	s := j.scheduler
	if !s.beginFiring(j.jobID) {
		return
	}
	defer s.finishFiring(j.jobID)

	next := j.schedule.Next(s.now().In(s.location)).UTC()
	s.setNextRun(s.ctx, j.jobID, &next)

	s.logger.Info("Executing scheduled job",
		zap.String("job_id", j.jobID),
		zap.Time("next_run", next))
	s.execute(j.jobID, false)
}
