package handler

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/t77yq/promptcron/internal/model"
)

const maxRunsLimit = 500

// ListRuns handles GET /api/jobs/{id}/runs?limit=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxRunsLimit {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	if _, err := h.jobs.GetJob(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	runs, err := h.history.ListRuns(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	h.writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.history.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// InterruptRun handles POST /api/runs/{id}/interrupt
func (h *Handler) InterruptRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.supervisor.Interrupt(id) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not in flight: " + id})
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "interrupting"})
}
