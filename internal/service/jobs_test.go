package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/scheduler"
	"github.com/t77yq/promptcron/internal/testutil"
)

type fakeScheduler struct {
	mu        sync.Mutex
	reloads   int
	triggered []string
}

func (f *fakeScheduler) Trigger(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID == "missing" {
		return fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, jobID)
	}
	f.triggered = append(f.triggered, jobID)
	return nil
}

func (f *fakeScheduler) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeScheduler) reloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

func newService(t *testing.T) (*JobService, *fakeScheduler) {
	t.Helper()
	sched := &fakeScheduler{}
	return NewJobService(testutil.NewStore(t), sched, zap.NewNop()), sched
}

func cronDef() *model.Job {
	return &model.Job{
		Name:         "standup",
		Prompt:       "Draft the standup notes",
		Type:         model.JobTypeCron,
		Schedule:     "0 9 * * 1-5",
		MaxBudgetUSD: 0.5,
	}
}

func TestJobService_CreateJob(t *testing.T) {
	ctx := context.Background()

	t.Run("valid job is stored and scheduled", func(t *testing.T) {
		svc, sched := newService(t)

		job, err := svc.CreateJob(ctx, cronDef())
		require.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, model.JobStatusEnabled, job.Status)
		assert.Equal(t, 1, sched.reloadCount())

		got, err := svc.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "standup", got.Name)
	})

	t.Run("run_at is normalized to UTC", func(t *testing.T) {
		svc, _ := newService(t)
		runAt := time.Date(2031, 5, 6, 7, 8, 9, 0, time.FixedZone("CET", 3600))

		job, err := svc.CreateJob(ctx, &model.Job{
			Name: "reminder", Prompt: "Remind me", Type: model.JobTypeOnce,
			RunAt: &runAt, MaxBudgetUSD: 0.1,
		})
		require.NoError(t, err)
		assert.Equal(t, time.UTC, job.RunAt.Location())
		assert.True(t, runAt.Equal(*job.RunAt))
	})

	t.Run("invalid jobs are rejected without reload", func(t *testing.T) {
		svc, sched := newService(t)
		runAt := time.Now().Add(time.Hour)

		invalid := []*model.Job{
			{Name: "x", Prompt: "p", Type: model.JobTypeCron, MaxBudgetUSD: 1},
			{Name: "x", Prompt: "p", Type: model.JobTypeCron, Schedule: "0 9 * * *", RunAt: &runAt, MaxBudgetUSD: 1},
			{Name: "x", Prompt: "p", Type: model.JobTypeOnce, MaxBudgetUSD: 1},
			{Name: "x", Prompt: "p", Type: model.JobTypeCron, Schedule: "not cron", MaxBudgetUSD: 1},
			{Name: "x", Prompt: "p", Type: model.JobTypeCron, Schedule: "0 9 * * *"},
		}
		for _, job := range invalid {
			_, err := svc.CreateJob(ctx, job)
			assert.ErrorIs(t, err, model.ErrInvalidJob)
		}
		assert.Zero(t, sched.reloadCount())
	})
}

func TestJobService_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	svc, sched := newService(t)

	job, err := svc.CreateJob(ctx, cronDef())
	require.NoError(t, err)

	update := cronDef()
	update.Schedule = "@daily"
	update.Prompt = "Draft shorter notes"
	updated, err := svc.UpdateJob(ctx, job.ID, update)
	require.NoError(t, err)
	assert.Equal(t, "@daily", updated.Schedule)
	assert.Equal(t, job.CreatedAt.Unix(), updated.CreatedAt.Unix())
	assert.Equal(t, 2, sched.reloadCount())

	_, err = svc.UpdateJob(ctx, "missing", cronDef())
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, svc.DeleteJob(ctx, job.ID))
	assert.Equal(t, 3, sched.reloadCount())
	_, err = svc.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, svc.DeleteJob(ctx, job.ID), ErrJobNotFound)
}

func TestJobService_PauseResume(t *testing.T) {
	ctx := context.Background()
	svc, sched := newService(t)

	job, err := svc.CreateJob(ctx, cronDef())
	require.NoError(t, err)

	_, err = svc.Pause(ctx, job.ID, PauseOptions{})
	assert.ErrorIs(t, err, ErrInvalidPause)

	until := time.Now().Add(2 * time.Hour)
	paused, err := svc.Pause(ctx, job.ID, PauseOptions{Until: &until, SkipRuns: 3})
	require.NoError(t, err)
	require.NotNil(t, paused.PausedUntil)
	assert.Equal(t, 3, paused.SkipRuns)
	assert.True(t, paused.IsPaused(time.Now()))

	resumed, err := svc.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, resumed.PausedUntil)
	assert.Zero(t, resumed.SkipRuns)

	stored, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PausedUntil)
	assert.Equal(t, 3, sched.reloadCount())

	_, err = svc.Resume(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobService_EnableDisable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	job, err := svc.CreateJob(ctx, cronDef())
	require.NoError(t, err)

	disabled, err := svc.Disable(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDisabled, disabled.Status)

	enabled, err := svc.Enable(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusEnabled, enabled.Status)

	t.Run("completed once job needs a future run_at", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		once, err := svc.CreateJob(ctx, &model.Job{
			Name: "once", Prompt: "p", Type: model.JobTypeOnce, RunAt: &past,
			MaxBudgetUSD: 1, Status: model.JobStatusCompleted,
		})
		require.NoError(t, err)

		_, err = svc.Enable(ctx, once.ID)
		assert.ErrorIs(t, err, model.ErrInvalidJob)

		future := time.Now().Add(time.Hour)
		update := *once
		update.RunAt = &future
		_, err = svc.UpdateJob(ctx, once.ID, &update)
		require.NoError(t, err)

		enabled, err := svc.Enable(ctx, once.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusEnabled, enabled.Status)
	})
}

func TestJobService_Trigger(t *testing.T) {
	svc, sched := newService(t)

	require.NoError(t, svc.Trigger(context.Background(), "job-1"))
	assert.Equal(t, []string{"job-1"}, sched.triggered)

	assert.ErrorIs(t, svc.Trigger(context.Background(), "missing"), ErrJobNotFound)
}
