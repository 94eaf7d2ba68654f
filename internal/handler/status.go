package handler

import (
	"net/http"

	"github.com/t77yq/promptcron/internal/model"
)

type statusResponse struct {
	InFlight []string        `json:"in_flight"`
	Host     model.HostStats `json:"host"`
}

// Status handles GET /api/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{InFlight: h.supervisor.InFlight()}
	if h.status != nil {
		resp.Host = h.status.Collect(r.Context())
	}
	h.writeJSON(w, http.StatusOK, resp)
}
