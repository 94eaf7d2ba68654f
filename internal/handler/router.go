// Package handler exposes the HTTP control surface.
package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/service"
	"github.com/t77yq/promptcron/internal/supervisor"
)

// JobService is the job control surface
type JobService interface {
	CreateJob(ctx context.Context, job *model.Job) (*model.Job, error)
	UpdateJob(ctx context.Context, id string, update *model.Job) (*model.Job, error)
	DeleteJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context) ([]*model.Job, error)
	Pause(ctx context.Context, id string, opts service.PauseOptions) (*model.Job, error)
	Resume(ctx context.Context, id string) (*model.Job, error)
	Enable(ctx context.Context, id string) (*model.Job, error)
	Disable(ctx context.Context, id string) (*model.Job, error)
	Trigger(ctx context.Context, id string) error
}

// HistoryStore reads run and conversation history
type HistoryStore interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, jobID string, limit int) ([]*model.Run, error)
	GetSession(ctx context.Context, sessionID string) (*model.SessionStats, error)
	ListMessages(ctx context.Context, sessionID string) ([]*model.ConversationMessage, error)
}

// RunSupervisor runs interactive prompts and interrupts in-flight runs
type RunSupervisor interface {
	Run(ctx context.Context, req supervisor.Request) (*model.ExecutionResult, error)
	Interrupt(runID string) bool
	InFlight() []string
}

// StatusSource samples host stats
type StatusSource interface {
	Collect(ctx context.Context) model.HostStats
}

// Handler serves the API
type Handler struct {
	logger     *zap.Logger
	jobs       JobService
	history    HistoryStore
	supervisor RunSupervisor
	status     StatusSource
}

// New creates a handler
func New(jobs JobService, history HistoryStore, sup RunSupervisor, status StatusSource, logger *zap.Logger) *Handler {
	return &Handler{
		logger:     logger.Named("api"),
		jobs:       jobs,
		history:    history,
		supervisor: sup,
		status:     status,
	}
}

// Router builds the route table
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/jobs", h.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs", h.CreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", h.UpdateJob).Methods(http.MethodPut)
	api.HandleFunc("/jobs/{id}", h.DeleteJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/trigger", h.TriggerJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/pause", h.PauseJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/resume", h.ResumeJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/enable", h.EnableJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/disable", h.DisableJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/runs", h.ListRuns).Methods(http.MethodGet)

	api.HandleFunc("/runs/{id}", h.GetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/interrupt", h.InterruptRun).Methods(http.MethodPost)

	api.HandleFunc("/chat", h.Chat).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)

	api.HandleFunc("/status", h.Status).Methods(http.MethodGet)

	return r
}
