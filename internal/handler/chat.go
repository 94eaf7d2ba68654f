package handler

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
	"github.com/t77yq/promptcron/internal/supervisor"
)

// ChatRequest starts an interactive run
type ChatRequest struct {
	Prompt       string   `json:"prompt"`
	SessionID    string   `json:"session_id,omitempty"`
	Model        string   `json:"model,omitempty"`
	RunID        string   `json:"run_id,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	MaxBudgetUSD float64  `json:"max_budget_usd,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	UseBrowser   bool     `json:"use_browser,omitempty"`
}

// ChatResponse is the outcome of an interactive run
type ChatResponse struct {
	*model.ExecutionResult
	Tools []supervisor.ToolUse `json:"tools,omitempty"`
	Error string               `json:"error,omitempty"`
}

// Chat handles POST /api/chat. The run is tied to the request: a client
// that disconnects interrupts it.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "prompt is required"})
		return
	}

	// callbacks run on the supervisor's event goroutine
	var tools []supervisor.ToolUse
	res, err := h.supervisor.Run(r.Context(), supervisor.Request{
		RunID:        req.RunID,
		Prompt:       req.Prompt,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		MaxBudgetUSD: req.MaxBudgetUSD,
		AllowedTools: req.AllowedTools,
		SessionID:    req.SessionID,
		UseBrowser:   req.UseBrowser,
		OnToolUse: func(tool supervisor.ToolUse) {
			tools = append(tools, tool)
		},
	})
	if err != nil && res == nil {
		h.writeError(w, r, err)
		return
	}

	resp := ChatResponse{ExecutionResult: res, Tools: tools}
	status := http.StatusOK
	if err != nil {
		h.logger.Warn("Interactive run failed", zap.String("run_id", res.RunID), zap.Error(err))
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, resp)
}

type sessionResponse struct {
	*model.SessionStats
	Messages []*model.ConversationMessage `json:"messages"`
}

// GetSession handles GET /api/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	stats, err := h.history.GetSession(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	messages, err := h.history.ListMessages(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []*model.ConversationMessage{}
	}
	h.writeJSON(w, http.StatusOK, sessionResponse{SessionStats: stats, Messages: messages})
}
