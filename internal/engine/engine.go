// Package engine defines the boundary to the external execution engine: a
// request describing one agentic task and the ordered event stream it emits.
package engine

import (
	"context"
	"errors"

	"github.com/t77yq/promptcron/internal/model"
)

// ErrEngineUnavailable is returned when the engine cannot be started
var ErrEngineUnavailable = errors.New("execution engine unavailable")

// Request describes one engine invocation
type Request struct {
	Prompt          string
	Model           string
	SystemPrompt    string
	MaxTurns        int
	MaxBudgetUSD    float64
	AllowedTools    []string
	DisallowedTools []string
	ResumeSessionID string
	UseBrowser      bool
	// ExtraArgs carries opaque tool/agent configuration for the engine
	ExtraArgs []string
}

// Engine starts sessions
type Engine interface {
	Start(ctx context.Context, req Request) (Session, error)
}

// Session is a running engine invocation.
//
// Events is closed when the stream ends. Err reports a stream failure and is
// only meaningful after Events is closed. Interrupt requests cooperative
// cancellation and must not block waiting for acknowledgement.
type Session interface {
	Events() <-chan Event
	Interrupt() error
	Err() error
}

// Event is one item of a session's stream. The set of implementations is
// closed: InitEvent, AssistantEvent, ToolProgressEvent and ResultEvent.
type Event interface {
	isEvent()
}

// InitEvent opens a session
type InitEvent struct {
	SessionID string
	Model     string
	Tools     []string
}

// ContentBlock is one element of an assistant message
type ContentBlock struct {
	Text    string
	ToolUse *ToolUse
}

// ToolUse is a tool invocation requested by the engine
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// AssistantEvent carries assistant text and tool invocations
type AssistantEvent struct {
	Content []ContentBlock
	// ParentToolUseID is set when the message belongs to a spawned sub-task
	ParentToolUseID string
}

// ToolProgressEvent reports a tool still working
type ToolProgressEvent struct {
	ToolUseID      string
	ToolName       string
	ElapsedSeconds float64
}

// ResultEvent terminates a session
type ResultEvent struct {
	SessionID      string
	Result         string
	TotalCostUSD   float64
	DurationMS     int64
	NumTurns       int
	StopReasonHint string
	IsError        bool
	ModelUsage     map[string]model.TokenUsage
}

func (InitEvent) isEvent()         {}
func (AssistantEvent) isEvent()    {}
func (ToolProgressEvent) isEvent() {}
func (ResultEvent) isEvent()       {}
