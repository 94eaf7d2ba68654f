// Package supervisor wraps every execution engine invocation with the safety
// nets shared by scheduled and interactive runs: a rolling staleness timeout,
// a hard ceiling on stream events and stop-reason classification. It persists
// one user and one assistant message per invocation and keeps the session
// aggregate stats current.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/engine"
	"github.com/t77yq/promptcron/internal/model"
)

const (
	defaultStaleTimeout      = 5 * time.Minute
	defaultMaxTurns          = 50
	defaultMessageMultiplier = 5
	defaultInterruptGrace    = 10 * time.Second
)

// ErrRunInFlight is returned when a run id is already registered
var ErrRunInFlight = errors.New("run already in flight")

// Config holds the supervisor's safety limits
type Config struct {
	StaleTimeout      time.Duration
	MaxTurns          int
	MessageMultiplier int
	InterruptGrace    time.Duration
	DefaultModel      string
	DisallowedTools   []string
}

func (c Config) withDefaults() Config {
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = defaultStaleTimeout
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
	if c.MessageMultiplier <= 0 {
		c.MessageMultiplier = defaultMessageMultiplier
	}
	if c.InterruptGrace <= 0 {
		c.InterruptGrace = defaultInterruptGrace
	}
	return c
}

// Store persists conversation history
type Store interface {
	AppendMessage(ctx context.Context, msg *model.ConversationMessage) error
	UpsertSession(ctx context.Context, sessionID string, messages int, costUSD float64) error
}

// ToolUse is forwarded to Request.OnToolUse
type ToolUse struct {
	ID       string
	Name     string
	Input    map[string]any
	Subagent bool
}

// Request describes one supervised run
type Request struct {
	// RunID identifies the run for Interrupt; generated when empty
	RunID           string
	Prompt          string
	Model           string
	SystemPrompt    string
	MaxTurns        int
	MaxBudgetUSD    float64
	AllowedTools    []string
	DisallowedTools []string
	// SessionID resumes a prior engine session when set
	SessionID  string
	UseBrowser bool

	OnText    func(text string)
	OnToolUse func(tool ToolUse)
}

// Supervisor runs engine sessions and tracks the in-flight ones
type Supervisor struct {
	logger *zap.Logger
	engine engine.Engine
	store  Store
	config Config
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]*handle
}

// New creates a supervisor
func New(eng engine.Engine, store Store, config Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		logger:   logger.Named("supervisor"),
		engine:   eng,
		store:    store,
		config:   config.withDefaults(),
		now:      time.Now,
		inflight: make(map[string]*handle),
	}
}

// Run executes one engine invocation to completion. Safety interrupts are
// controlled terminations reported through the result's stop reason. When the
// engine itself fails, the partial result is returned together with the error.
func (s *Supervisor) Run(ctx context.Context, req Request) (*model.ExecutionResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = s.config.MaxTurns
	}
	modelName := req.Model
	if modelName == "" {
		modelName = s.config.DefaultModel
	}

	st := &runState{
		req:       req,
		sessionID: req.SessionID,
		startedAt: s.now(),
		seenTools: make(map[string]bool),
		subagents: make(map[string]bool),
		result: model.ExecutionResult{
			RunID:      req.RunID,
			ModelUsage: make(map[string]model.TokenUsage),
		},
	}

	logger := s.logger.With(zap.String("run_id", req.RunID))

	if s.isInFlight(req.RunID) {
		return nil, fmt.Errorf("%w: %s", ErrRunInFlight, req.RunID)
	}

	session, err := s.engine.Start(ctx, engine.Request{
		Prompt:          req.Prompt,
		Model:           modelName,
		SystemPrompt:    req.SystemPrompt,
		MaxTurns:        maxTurns,
		MaxBudgetUSD:    req.MaxBudgetUSD,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: mergeTools(s.config.DisallowedTools, req.DisallowedTools),
		ResumeSessionID: req.SessionID,
		UseBrowser:      req.UseBrowser,
	})
	if err != nil {
		st.result.StopReason = model.StopReasonError
		s.finish(ctx, st, logger)
		return &st.result, fmt.Errorf("failed to start engine session: %w", err)
	}

	h := newHandle(session, logger)
	if err := s.register(req.RunID, h); err != nil {
		h.interrupt(model.StopReasonInterrupted)
		go drain(session.Events())
		return nil, err
	}
	defer s.unregister(req.RunID, h)

	logger.Info("Run started",
		zap.String("model", modelName),
		zap.Int("max_turns", maxTurns),
		zap.Int("message_ceiling", maxTurns*s.config.MessageMultiplier))

	streamErr := s.consume(ctx, st, h, maxTurns*s.config.MessageMultiplier, logger)

	safety := h.stopReason()
	switch {
	case safety != "":
		// a local safety decision always wins over the engine's own report
		st.result.StopReason = safety
		if streamErr != nil {
			logger.Debug("Ignoring stream error after interrupt", zap.Error(streamErr))
			streamErr = nil
		}
	case streamErr != nil:
		st.result.StopReason = model.StopReasonError
	case st.gotResult:
		st.result.StopReason = st.engineReason
	default:
		st.result.StopReason = model.StopReasonUnknown
	}

	s.finish(ctx, st, logger)

	if streamErr != nil {
		return &st.result, fmt.Errorf("engine stream failed: %w", streamErr)
	}
	return &st.result, nil
}

// Interrupt requests cancellation of an in-flight run without waiting for
// acknowledgement. It reports whether the run was found.
func (s *Supervisor) Interrupt(runID string) bool {
	s.mu.Lock()
	h, ok := s.inflight[runID]
	delete(s.inflight, runID)
	s.mu.Unlock()

	if !ok {
		return false
	}
	h.interrupt(model.StopReasonInterrupted)
	s.logger.Info("Run interrupt requested", zap.String("run_id", runID))
	return true
}

// InFlight returns the ids of the runs currently executing
func (s *Supervisor) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) isInFlight(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[runID]
	return ok
}

func (s *Supervisor) register(runID string, h *handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inflight[runID]; exists {
		return fmt.Errorf("%w: %s", ErrRunInFlight, runID)
	}
	s.inflight[runID] = h
	return nil
}

func (s *Supervisor) unregister(runID string, h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[runID] == h {
		delete(s.inflight, runID)
	}
}

// finish fills in fallbacks and persists the run's conversation records
func (s *Supervisor) finish(ctx context.Context, st *runState, logger *zap.Logger) {
	res := &st.result
	if res.DurationMS == 0 {
		res.DurationMS = s.now().Sub(st.startedAt).Milliseconds()
	}
	if strings.TrimSpace(res.Result) == "" && res.StopReason != model.StopReasonEndTurn {
		res.Result = FallbackText(res.StopReason)
	}
	if st.sessionID == "" {
		st.sessionID = res.RunID
	}
	res.SessionID = st.sessionID

	// persistence must not be skipped because the caller's context ended
	ctx = context.WithoutCancel(ctx)

	if !st.userSaved {
		s.saveUserMessage(ctx, st, logger)
	}
	if err := s.store.AppendMessage(ctx, &model.ConversationMessage{
		SessionID: st.sessionID,
		Role:      model.RoleAssistant,
		Content:   res.Result,
		CostUSD:   res.CostUSD,
		CreatedAt: s.now(),
	}); err != nil {
		logger.Error("Failed to store assistant message", zap.Error(err))
	}
	if err := s.store.UpsertSession(ctx, st.sessionID, 2, res.CostUSD); err != nil {
		logger.Error("Failed to update session stats", zap.Error(err))
	}

	logger.Info("Run finished",
		zap.String("session_id", st.sessionID),
		zap.String("stop_reason", string(res.StopReason)),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Int("turns", res.NumTurns),
		zap.Int64("duration_ms", res.DurationMS))
}

func (s *Supervisor) saveUserMessage(ctx context.Context, st *runState, logger *zap.Logger) {
	st.userSaved = true
	if err := s.store.AppendMessage(ctx, &model.ConversationMessage{
		SessionID: st.sessionID,
		Role:      model.RoleUser,
		Content:   st.req.Prompt,
		CreatedAt: st.startedAt,
	}); err != nil {
		logger.Error("Failed to store user message", zap.Error(err))
	}
}

func mergeTools(base, extra []string) []string {
	if len(base) == 0 {
		return extra
	}
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, t := range append(append([]string{}, base...), extra...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
