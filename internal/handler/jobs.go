package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/service"
)

// ListJobs handles GET /api/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.ListJobs(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

// CreateJob handles POST /api/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var job model.Job
	if !h.decode(w, r, &job) {
		return
	}

	created, err := h.jobs.CreateJob(r.Context(), &job)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// GetJob handles GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// UpdateJob handles PUT /api/jobs/{id}
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var update model.Job
	if !h.decode(w, r, &update) {
		return
	}

	job, err := h.jobs.UpdateJob(r.Context(), mux.Vars(r)["id"], &update)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// DeleteJob handles DELETE /api/jobs/{id}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.DeleteJob(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerJob handles POST /api/jobs/{id}/trigger
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.jobs.Trigger(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "triggered"})
}

// PauseJob handles POST /api/jobs/{id}/pause
func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	var opts service.PauseOptions
	if !h.decode(w, r, &opts) {
		return
	}

	job, err := h.jobs.Pause(r.Context(), mux.Vars(r)["id"], opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// ResumeJob handles POST /api/jobs/{id}/resume
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.respondJob(w, r, h.jobs.Resume)
}

// EnableJob handles POST /api/jobs/{id}/enable
func (h *Handler) EnableJob(w http.ResponseWriter, r *http.Request) {
	h.respondJob(w, r, h.jobs.Enable)
}

// DisableJob handles POST /api/jobs/{id}/disable
func (h *Handler) DisableJob(w http.ResponseWriter, r *http.Request) {
	h.respondJob(w, r, h.jobs.Disable)
}

func (h *Handler) respondJob(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*model.Job, error)) {
	job, err := op(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}
