package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/engine"
	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/storage"
	"github.com/t77yq/promptcron/internal/supervisor"
	"github.com/t77yq/promptcron/internal/testutil"
)

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) RunStarted(_ context.Context, _ *model.Job, run *model.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "started:"+string(run.Status))
	return nil
}

func (p *recordingPublisher) RunCompleted(_ context.Context, _ *model.Job, run *model.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "completed:"+string(run.Status))
	return errors.New("bus down")
}

type fixture struct {
	store     *storage.SQLiteStore
	engine    *testutil.FakeEngine
	notifier  *recordingNotifier
	publisher *recordingPublisher
	executor  *Executor
}

func newFixture(t *testing.T, script testutil.Script, config supervisor.Config) *fixture {
	t.Helper()

	f := &fixture{
		store:     testutil.NewStore(t),
		engine:    testutil.NewFakeEngine(script),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
	}
	sup := supervisor.New(f.engine, f.store, config, zap.NewNop())
	f.executor = New(f.store, sup, f.notifier, f.publisher, zap.NewNop())
	return f
}

func (f *fixture) createJob(t *testing.T, job *model.Job) *model.Job {
	t.Helper()
	if job.Name == "" {
		job.Name = "digest"
	}
	if job.Prompt == "" {
		job.Prompt = "Summarize the inbox"
	}
	if job.Type == "" {
		job.Type = model.JobTypeCron
		job.Schedule = "0 9 * * *"
	}
	if job.MaxBudgetUSD == 0 {
		job.MaxBudgetUSD = 1
	}
	if job.Status == "" {
		job.Status = model.JobStatusEnabled
	}
	require.NoError(t, job.Validate())
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) reload(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) runs(t *testing.T, jobID string) []*model.Run {
	t.Helper()
	runs, err := f.store.ListRuns(context.Background(), jobID, 0)
	require.NoError(t, err)
	return runs
}

func endTurn(cost float64) testutil.Script {
	return testutil.Result(engine.ResultEvent{
		Result:         "All done",
		TotalCostUSD:   cost,
		DurationMS:     1500,
		NumTurns:       3,
		StopReasonHint: "end_turn",
	})
}

func TestExecutor_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, endTurn(0.25), supervisor.Config{})
	job := f.createJob(t, &model.Job{
		AllowedTools: []string{"WebSearch"},
		UseBrowser:   true,
		Model:        "small",
	})

	run, err := f.executor.Execute(ctx, job.ID, Options{})
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Equal(t, "All done", run.Result)
	assert.Equal(t, model.StopReasonEndTurn, run.StopReason)
	assert.Equal(t, "session-1", run.SessionID)
	assert.InDelta(t, 0.25, run.CostUSD, 1e-9)
	assert.Empty(t, f.executor.Running())

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	reloaded := f.reload(t, job.ID)
	assert.Equal(t, model.JobStatusEnabled, reloaded.Status)
	require.NotNil(t, reloaded.LastRunAt)

	reqs := f.engine.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, job.Prompt, reqs[0].Prompt)
	assert.Equal(t, "small", reqs[0].Model)
	assert.Equal(t, []string{"WebSearch"}, reqs[0].AllowedTools)
	assert.True(t, reqs[0].UseBrowser)
	assert.InDelta(t, 1.0, reqs[0].MaxBudgetUSD, 1e-9)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "[digest] completed")
	assert.Contains(t, sent[0], "All done")

	assert.Equal(t, []string{"started:running", "completed:success"}, f.publisher.events)
}

func TestExecutor_BudgetReclassification(t *testing.T) {
	f := newFixture(t, endTurn(1.20), supervisor.Config{})
	job := f.createJob(t, &model.Job{MaxBudgetUSD: 1.00})

	run, err := f.executor.Execute(context.Background(), job.ID, Options{})
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, model.RunStatusBudgetExceeded, run.Status)
	assert.InDelta(t, 1.20, run.CostUSD, 1e-9)
	assert.Equal(t, model.JobStatusEnabled, f.reload(t, job.ID).Status)
	assert.Contains(t, f.notifier.sent()[0], "budget exceeded")
}

func TestExecutor_StopReasonMapping(t *testing.T) {
	tests := []struct {
		hint   string
		status model.RunStatus
	}{
		{"end_turn", model.RunStatusSuccess},
		{"error_max_turns", model.RunStatusSuccess},
		{"something_new", model.RunStatusSuccess},
		{"error_max_budget_usd", model.RunStatusBudgetExceeded},
		{"error_during_execution", model.RunStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			f := newFixture(t, testutil.Result(engine.ResultEvent{
				Result:         "partial",
				TotalCostUSD:   0.1,
				StopReasonHint: tt.hint,
			}), supervisor.Config{})
			job := f.createJob(t, &model.Job{})

			run, err := f.executor.Execute(context.Background(), job.ID, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.status, run.Status)
			if tt.status == model.RunStatusError {
				assert.Equal(t, "partial", run.Error)
			}
			assert.Equal(t, model.JobStatusEnabled, f.reload(t, job.ID).Status)
		})
	}
}

func TestExecutor_Pause(t *testing.T) {
	ctx := context.Background()

	t.Run("future pause suppresses automatic firing", func(t *testing.T) {
		f := newFixture(t, endTurn(0.1), supervisor.Config{})
		until := time.Now().Add(time.Hour)
		job := f.createJob(t, &model.Job{PausedUntil: &until})

		run, err := f.executor.Execute(ctx, job.ID, Options{})
		require.NoError(t, err)
		assert.Nil(t, run)
		assert.Empty(t, f.engine.Requests())
		assert.Empty(t, f.runs(t, job.ID))
		assert.NotNil(t, f.reload(t, job.ID).PausedUntil)
	})

	t.Run("manual trigger ignores pause", func(t *testing.T) {
		f := newFixture(t, endTurn(0.1), supervisor.Config{})
		until := time.Now().Add(time.Hour)
		job := f.createJob(t, &model.Job{PausedUntil: &until, SkipRuns: 2})

		run, err := f.executor.Execute(ctx, job.ID, Options{ManualTrigger: true})
		require.NoError(t, err)
		require.NotNil(t, run)
		assert.Equal(t, model.RunStatusSuccess, run.Status)

		reloaded := f.reload(t, job.ID)
		assert.NotNil(t, reloaded.PausedUntil)
		assert.Equal(t, 2, reloaded.SkipRuns)
	})

	t.Run("elapsed pause is cleared", func(t *testing.T) {
		f := newFixture(t, endTurn(0.1), supervisor.Config{})
		until := time.Now().Add(-time.Minute)
		job := f.createJob(t, &model.Job{PausedUntil: &until})

		run, err := f.executor.Execute(ctx, job.ID, Options{})
		require.NoError(t, err)
		require.NotNil(t, run)
		assert.Nil(t, f.reload(t, job.ID).PausedUntil)
	})
}

func TestExecutor_SkipRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, endTurn(0.1), supervisor.Config{})
	job := f.createJob(t, &model.Job{SkipRuns: 2})

	for want := 1; want >= 0; want-- {
		run, err := f.executor.Execute(ctx, job.ID, Options{})
		require.NoError(t, err)
		assert.Nil(t, run)
		assert.Equal(t, want, f.reload(t, job.ID).SkipRuns)
	}
	assert.Empty(t, f.engine.Requests())

	run, err := f.executor.Execute(ctx, job.ID, Options{})
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Len(t, f.engine.Requests(), 1)
	assert.Len(t, f.runs(t, job.ID), 1)
}

func TestExecutor_InactiveJobNotFired(t *testing.T) {
	ctx := context.Background()

	for _, status := range []model.JobStatus{model.JobStatusFailed, model.JobStatusDisabled, model.JobStatusCompleted} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, endTurn(0.1), supervisor.Config{})
			job := f.createJob(t, &model.Job{Status: status})

			run, err := f.executor.Execute(ctx, job.ID, Options{})
			require.NoError(t, err)
			assert.Nil(t, run)
			assert.Empty(t, f.engine.Requests())
			assert.Empty(t, f.runs(t, job.ID))
			assert.Equal(t, status, f.reload(t, job.ID).Status)

			run, err = f.executor.Execute(ctx, job.ID, Options{ManualTrigger: true})
			require.NoError(t, err)
			require.NotNil(t, run)
			assert.Len(t, f.engine.Requests(), 1)
		})
	}
}

func TestExecutor_SkippedOnceJobCompletes(t *testing.T) {
	f := newFixture(t, endTurn(0.1), supervisor.Config{})
	runAt := time.Now().Add(-time.Second)
	job := f.createJob(t, &model.Job{Type: model.JobTypeOnce, RunAt: &runAt, NextRunAt: &runAt, SkipRuns: 1})

	run, err := f.executor.Execute(context.Background(), job.ID, Options{})
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Empty(t, f.engine.Requests())

	reloaded := f.reload(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, reloaded.Status)
	assert.Zero(t, reloaded.SkipRuns)
	assert.Nil(t, reloaded.NextRunAt)
	assert.Nil(t, reloaded.LastRunAt)
}

func TestExecutor_OnceJobCompletes(t *testing.T) {
	f := newFixture(t, endTurn(0.1), supervisor.Config{})
	runAt := time.Now().Add(-time.Second)
	job := f.createJob(t, &model.Job{Type: model.JobTypeOnce, RunAt: &runAt, NextRunAt: &runAt})

	run, err := f.executor.Execute(context.Background(), job.ID, Options{})
	require.NoError(t, err)
	require.NotNil(t, run)

	reloaded := f.reload(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, reloaded.Status)
	assert.Nil(t, reloaded.NextRunAt)
	assert.NotNil(t, reloaded.LastRunAt)
}

func TestExecutor_EngineError(t *testing.T) {
	f := newFixture(t, nil, supervisor.Config{})
	f.engine.FailStart(errors.New("spawn failed"))
	job := f.createJob(t, &model.Job{})

	run, err := f.executor.Execute(context.Background(), job.ID, Options{})
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, model.RunStatusError, run.Status)
	assert.Contains(t, run.Error, "spawn failed")

	reloaded := f.reload(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, reloaded.Status)
	assert.NotNil(t, reloaded.LastRunAt)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "spawn failed")
}

func TestExecutor_StaleRunDoesNotFailJob(t *testing.T) {
	f := newFixture(t, func(req engine.Request, s *testutil.FakeSession) error {
		s.Emit(engine.InitEvent{SessionID: "s-stale"})
		<-s.Interrupted()
		s.Emit(engine.ResultEvent{SessionID: "s-stale", TotalCostUSD: 0.05, StopReasonHint: "interrupted"})
		return nil
	}, supervisor.Config{StaleTimeout: 50 * time.Millisecond})
	job := f.createJob(t, &model.Job{})

	run, err := f.executor.Execute(context.Background(), job.ID, Options{})
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, model.RunStatusError, run.Status)
	assert.Equal(t, model.StopReasonStaleTimeout, run.StopReason)
	assert.NotEmpty(t, run.Result)
	assert.Equal(t, run.Result, run.Error)
	assert.Equal(t, model.JobStatusEnabled, f.reload(t, job.ID).Status)
}

func TestExecutor_PersistsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, func(req engine.Request, s *testutil.FakeSession) error {
		s.Emit(engine.InitEvent{SessionID: "s-cancel"})
		cancel()
		<-s.Interrupted()
		return context.Canceled
	}, supervisor.Config{})
	job := f.createJob(t, &model.Job{})

	run, err := f.executor.Execute(ctx, job.ID, Options{})
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.StopReasonInterrupted, run.StopReason)

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, stored.Status)
}

func TestExecutor_UnknownJob(t *testing.T) {
	f := newFixture(t, endTurn(0.1), supervisor.Config{})

	run, err := f.executor.Execute(context.Background(), "missing", Options{})
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Empty(t, f.engine.Requests())
}

func TestFormatRun(t *testing.T) {
	job := &model.Job{Name: "report", MaxBudgetUSD: 2}
	run := &model.Run{
		Status:     model.RunStatusError,
		StopReason: model.StopReasonMessageLimit,
		Result:     "stopped",
		Error:      "stopped",
		CostUSD:    0.5,
		DurationMS: 2500,
	}

	text := FormatRun(job, run)
	assert.Contains(t, text, "[report] failed (message_limit)")
	assert.Contains(t, text, "cost $0.5000 / $2.00, 2.5s")
	assert.Contains(t, text, "stopped")
}
