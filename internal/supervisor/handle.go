package supervisor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/engine"
	"github.com/t77yq/promptcron/internal/model"
)

// handle is the cancellable in-flight entry of one run
type handle struct {
	session engine.Session
	logger  *zap.Logger

	once        sync.Once
	interrupted chan struct{}

	mu     sync.Mutex
	reason model.StopReason
}

func newHandle(session engine.Session, logger *zap.Logger) *handle {
	return &handle{
		session:     session,
		logger:      logger,
		interrupted: make(chan struct{}),
	}
}

// interrupt classifies the run and asks the engine to stop. Only the first
// call has any effect; it reports whether this call was the one that fired.
func (h *handle) interrupt(reason model.StopReason) bool {
	fired := false
	h.once.Do(func() {
		fired = true
		h.mu.Lock()
		h.reason = reason
		h.mu.Unlock()
		close(h.interrupted)

		go func() {
			if err := h.session.Interrupt(); err != nil {
				h.logger.Warn("Engine interrupt failed", zap.Error(err))
			}
		}()
	})
	return fired
}

func (h *handle) stopReason() model.StopReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

func (h *handle) done() <-chan struct{} {
	return h.interrupted
}
