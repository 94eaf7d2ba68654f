package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/engine"
	"github.com/t77yq/promptcron/internal/model"
)

// runState is the per-invocation bookkeeping of the stream consumer
type runState struct {
	req       Request
	sessionID string
	startedAt time.Time
	userSaved bool

	seenTools map[string]bool
	subagents map[string]bool

	gotResult    bool
	engineReason model.StopReason
	result       model.ExecutionResult
}

// consume processes the session's events in order until the stream closes or,
// after an interrupt, the grace period runs out.
func (s *Supervisor) consume(ctx context.Context, st *runState, h *handle, ceiling int, logger *zap.Logger) error {
	events := h.session.Events()

	stale := time.NewTimer(s.config.StaleTimeout)
	defer stale.Stop()

	var abandon <-chan time.Time
	interrupted := h.done()
	cancelled := ctx.Done()
	count := 0

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return h.session.Err()
			}
			resetTimer(stale, s.config.StaleTimeout)

			count++
			if count > ceiling && h.interrupt(model.StopReasonMessageLimit) {
				logger.Warn("Message ceiling exceeded, interrupting run",
					zap.Int("events", count),
					zap.Int("ceiling", ceiling))
			}

			s.handleEvent(ctx, st, ev, logger)

		case <-stale.C:
			if h.interrupt(model.StopReasonStaleTimeout) {
				logger.Warn("No engine activity within staleness timeout, interrupting run",
					zap.Duration("timeout", s.config.StaleTimeout))
			}

		case <-cancelled:
			cancelled = nil
			if h.interrupt(model.StopReasonInterrupted) {
				logger.Info("Run context cancelled, interrupting run", zap.Error(ctx.Err()))
			}

		case <-interrupted:
			interrupted = nil
			abandon = time.After(s.config.InterruptGrace)

		case <-abandon:
			logger.Warn("Engine did not stop within grace period, abandoning session",
				zap.Duration("grace", s.config.InterruptGrace))
			go drain(events)
			return nil
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, st *runState, ev engine.Event, logger *zap.Logger) {
	switch ev := ev.(type) {
	case engine.InitEvent:
		if ev.SessionID != "" {
			st.sessionID = ev.SessionID
		}
		if !st.userSaved && st.sessionID != "" {
			s.saveUserMessage(ctx, st, logger)
		}

	case engine.AssistantEvent:
		for _, block := range ev.Content {
			if block.Text != "" && st.req.OnText != nil {
				st.req.OnText(block.Text)
			}
			if tu := block.ToolUse; tu != nil && !st.seenTools[tu.ID] {
				st.seenTools[tu.ID] = true
				if st.req.OnToolUse != nil {
					st.req.OnToolUse(ToolUse{ID: tu.ID, Name: tu.Name, Input: tu.Input})
				}
			}
		}

	case engine.ToolProgressEvent:
		// progress for an invocation this run never issued comes from a spawned sub-task
		if st.seenTools[ev.ToolUseID] || st.subagents[ev.ToolUseID] {
			return
		}
		st.subagents[ev.ToolUseID] = true
		if st.req.OnToolUse != nil {
			st.req.OnToolUse(ToolUse{ID: ev.ToolUseID, Name: ev.ToolName, Subagent: true})
		}

	case engine.ResultEvent:
		st.gotResult = true
		if ev.SessionID != "" {
			st.sessionID = ev.SessionID
		}
		res := &st.result
		res.Result = ev.Result
		res.CostUSD = ev.TotalCostUSD
		res.DurationMS = ev.DurationMS
		res.NumTurns = ev.NumTurns
		res.Usage = model.TokenUsage{}
		for name, usage := range ev.ModelUsage {
			res.ModelUsage[name] = usage
			res.Usage = res.Usage.Add(usage)
		}
		st.engineReason = model.ParseStopReason(ev.StopReasonHint)
		if ev.IsError && st.engineReason == model.StopReasonUnknown {
			st.engineReason = model.StopReasonError
		}

	default:
		logger.Debug("Ignoring unknown engine event", zap.Any("event", ev))
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func drain(events <-chan engine.Event) {
	for range events {
	}
}
