package model

// StopReason is the classified cause of a run's termination
type StopReason string

const (
	StopReasonEndTurn        StopReason = "end_turn"
	StopReasonMaxTurns       StopReason = "max_turns"
	StopReasonBudgetExceeded StopReason = "budget_exceeded"
	StopReasonInterrupted    StopReason = "interrupted"
	StopReasonStaleTimeout   StopReason = "stale_timeout"
	StopReasonMessageLimit   StopReason = "message_limit"
	StopReasonError          StopReason = "error"
	StopReasonUnknown        StopReason = "unknown"
)

// ParseStopReason maps an engine-reported hint to a StopReason
func ParseStopReason(hint string) StopReason {
	switch hint {
	case "end_turn", "success":
		return StopReasonEndTurn
	case "max_turns", "error_max_turns":
		return StopReasonMaxTurns
	case "budget_exceeded", "error_max_budget_usd":
		return StopReasonBudgetExceeded
	case "interrupted":
		return StopReasonInterrupted
	case "error", "error_during_execution":
		return StopReasonError
	default:
		return StopReasonUnknown
	}
}

// TokenUsage counts tokens consumed by one model
type TokenUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// Add returns the element-wise sum of u and o
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:              u.InputTokens + o.InputTokens,
		OutputTokens:             u.OutputTokens + o.OutputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens + o.CacheReadInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens + o.CacheCreationInputTokens,
	}
}

// ExecutionResult is the outcome of one engine invocation
type ExecutionResult struct {
	RunID      string                `json:"run_id"`
	SessionID  string                `json:"session_id"`
	Result     string                `json:"result"`
	CostUSD    float64               `json:"cost_usd"`
	DurationMS int64                 `json:"duration_ms"`
	NumTurns   int                   `json:"num_turns"`
	ModelUsage map[string]TokenUsage `json:"model_usage,omitempty"`
	Usage      TokenUsage            `json:"usage"`
	StopReason StopReason            `json:"stop_reason"`
}
