package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/engine"
	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/scheduler"
	"github.com/t77yq/promptcron/internal/service"
	"github.com/t77yq/promptcron/internal/storage"
	"github.com/t77yq/promptcron/internal/supervisor"
	"github.com/t77yq/promptcron/internal/testutil"
)

type stubScheduler struct{}

func (stubScheduler) Trigger(ctx context.Context, jobID string) error {
	if jobID == "missing" {
		return fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, jobID)
	}
	return nil
}

func (stubScheduler) Reload(context.Context) error { return nil }

type stubStatus struct{}

func (stubStatus) Collect(context.Context) model.HostStats {
	return model.HostStats{CPUUsage: 12.5, MemoryUsage: 40}
}

type testServer struct {
	*httptest.Server
	store  *storage.SQLiteStore
	engine *testutil.FakeEngine
	sup    *supervisor.Supervisor
}

func newTestServer(t *testing.T, script testutil.Script) *testServer {
	t.Helper()

	store := testutil.NewStore(t)
	eng := testutil.NewFakeEngine(script)
	sup := supervisor.New(eng, store, supervisor.Config{}, zap.NewNop())
	svc := service.NewJobService(store, stubScheduler{}, zap.NewNop())
	h := New(svc, store, sup, stubStatus{}, zap.NewNop())

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, engine: eng, sup: sup}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeAs[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func newJobBody() map[string]any {
	return map[string]any{
		"name":           "digest",
		"prompt":         "Summarize the inbox",
		"type":           "cron",
		"schedule":       "0 8 * * *",
		"max_budget_usd": 0.75,
		"allowed_tools":  []string{"Read"},
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, body := srv.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestJobsAPI(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := srv.do(t, http.MethodPost, "/api/jobs", newJobBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	job := decodeAs[model.Job](t, body)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusEnabled, job.Status)

	t.Run("validation", func(t *testing.T) {
		bad := newJobBody()
		delete(bad, "schedule")
		resp, body := srv.do(t, http.MethodPost, "/api/jobs", bad)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "schedule")

		resp, _ = srv.do(t, http.MethodPost, "/api/jobs", `{"name":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		zoneless := newJobBody()
		zoneless["type"] = "once"
		delete(zoneless, "schedule")
		zoneless["run_at"] = "2031-01-01T10:00:00"
		resp, _ = srv.do(t, http.MethodPost, "/api/jobs", zoneless)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("get and list", func(t *testing.T) {
		resp, body := srv.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "digest", decodeAs[model.Job](t, body).Name)

		resp, _ = srv.do(t, http.MethodGet, "/api/jobs/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp, body = srv.do(t, http.MethodGet, "/api/jobs", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, decodeAs[[]model.Job](t, body), 1)
	})

	t.Run("update", func(t *testing.T) {
		update := newJobBody()
		update["schedule"] = "@daily"
		resp, body := srv.do(t, http.MethodPut, "/api/jobs/"+job.ID, update)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		assert.Equal(t, "@daily", decodeAs[model.Job](t, body).Schedule)
	})

	t.Run("pause and resume", func(t *testing.T) {
		resp, _ := srv.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/pause", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		until := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		resp, body := srv.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/pause",
			map[string]any{"until": until, "skip_runs": 2})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		paused := decodeAs[model.Job](t, body)
		assert.NotNil(t, paused.PausedUntil)
		assert.Equal(t, 2, paused.SkipRuns)

		resp, body = srv.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/resume", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resumed := decodeAs[model.Job](t, body)
		assert.Nil(t, resumed.PausedUntil)
		assert.Zero(t, resumed.SkipRuns)
	})

	t.Run("enable and disable", func(t *testing.T) {
		resp, body := srv.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/disable", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, model.JobStatusDisabled, decodeAs[model.Job](t, body).Status)

		resp, body = srv.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/enable", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, model.JobStatusEnabled, decodeAs[model.Job](t, body).Status)
	})

	t.Run("trigger", func(t *testing.T) {
		resp, _ := srv.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/trigger", nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp, _ = srv.do(t, http.MethodPost, "/api/jobs/missing/trigger", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		resp, _ := srv.do(t, http.MethodDelete, "/api/jobs/"+job.ID, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp, _ = srv.do(t, http.MethodDelete, "/api/jobs/"+job.ID, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestRunsAPI(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, nil)

	resp, body := srv.do(t, http.MethodPost, "/api/jobs", newJobBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decodeAs[model.Job](t, body)

	for i := 0; i < 3; i++ {
		run := &model.Run{JobID: job.ID, StartedAt: time.Now().Add(time.Duration(i) * time.Minute)}
		require.NoError(t, srv.store.CreateRun(ctx, run))
	}

	resp, body = srv.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/runs?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decodeAs[[]model.Run](t, body)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))

	resp, body = srv.do(t, http.MethodGet, "/api/runs/"+runs[0].ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RunStatusRunning, decodeAs[model.Run](t, body).Status)

	resp, _ = srv.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodGet, "/api/jobs/unknown/runs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodGet, "/api/runs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatAPI(t *testing.T) {
	t.Run("interactive run", func(t *testing.T) {
		srv := newTestServer(t, func(req engine.Request, s *testutil.FakeSession) error {
			s.Emit(engine.InitEvent{SessionID: "chat-session"})
			s.Emit(engine.AssistantEvent{Content: []engine.ContentBlock{
				{ToolUse: &engine.ToolUse{ID: "t1", Name: "WebSearch"}},
				{Text: "It is sunny."},
			}})
			s.Emit(engine.ResultEvent{
				SessionID:      "chat-session",
				Result:         "It is sunny.",
				TotalCostUSD:   0.02,
				StopReasonHint: "end_turn",
			})
			return nil
		})

		resp, body := srv.do(t, http.MethodPost, "/api/chat", ChatRequest{Prompt: "Weather?", Model: "small"})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		res := decodeAs[ChatResponse](t, body)
		require.NotNil(t, res.ExecutionResult)
		assert.Equal(t, "It is sunny.", res.Result)
		assert.Equal(t, model.StopReasonEndTurn, res.StopReason)
		assert.Equal(t, "chat-session", res.SessionID)
		require.Len(t, res.Tools, 1)
		assert.Equal(t, "WebSearch", res.Tools[0].Name)
		assert.Equal(t, "small", srv.engine.Requests()[0].Model)

		resp, body = srv.do(t, http.MethodGet, "/api/sessions/chat-session", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		session := decodeAs[sessionResponse](t, body)
		assert.Equal(t, 2, session.MessageCount)
		require.Len(t, session.Messages, 2)
		assert.Equal(t, model.RoleUser, session.Messages[0].Role)

		resp, _ = srv.do(t, http.MethodGet, "/api/sessions/unknown", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("prompt required", func(t *testing.T) {
		srv := newTestServer(t, nil)
		resp, _ := srv.do(t, http.MethodPost, "/api/chat", ChatRequest{Prompt: "  "})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("engine failure", func(t *testing.T) {
		srv := newTestServer(t, nil)
		srv.engine.FailStart(errors.New("binary missing"))

		resp, body := srv.do(t, http.MethodPost, "/api/chat", ChatRequest{Prompt: "hi"})
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		res := decodeAs[ChatResponse](t, body)
		assert.Contains(t, res.Error, "binary missing")
		assert.NotEmpty(t, res.Result)
	})

	t.Run("interrupt", func(t *testing.T) {
		srv := newTestServer(t, func(req engine.Request, s *testutil.FakeSession) error {
			s.Emit(engine.InitEvent{SessionID: "long"})
			<-s.Interrupted()
			return nil
		})

		resp, _ := srv.do(t, http.MethodPost, "/api/runs/chat-1/interrupt", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		type outcome struct {
			status int
			body   []byte
		}
		done := make(chan outcome, 1)
		go func() {
			resp, body := srv.do(t, http.MethodPost, "/api/chat", ChatRequest{Prompt: "long task", RunID: "chat-1"})
			done <- outcome{resp.StatusCode, body}
		}()

		testutil.WaitFor(t, 2*time.Second, func() bool { return len(srv.sup.InFlight()) == 1 }, "chat run in flight")

		resp, body := srv.do(t, http.MethodGet, "/api/status", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		status := decodeAs[statusResponse](t, body)
		assert.Equal(t, []string{"chat-1"}, status.InFlight)
		assert.InDelta(t, 12.5, status.Host.CPUUsage, 1e-9)

		resp, _ = srv.do(t, http.MethodPost, "/api/runs/chat-1/interrupt", nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		select {
		case out := <-done:
			require.Equal(t, http.StatusOK, out.status, string(out.body))
			res := decodeAs[ChatResponse](t, out.body)
			assert.Equal(t, model.StopReasonInterrupted, res.StopReason)
			assert.NotEmpty(t, res.Result)
		case <-time.After(5 * time.Second):
			t.Fatal("chat did not return after interrupt")
		}
	})
}
