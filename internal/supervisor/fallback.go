package supervisor

import "github.com/t77yq/promptcron/internal/model"

var fallbackText = map[model.StopReason]string{
	model.StopReasonMaxTurns:       "The run reached its turn limit before producing a final answer.",
	model.StopReasonBudgetExceeded: "The run reached its cost budget before producing a final answer.",
	model.StopReasonInterrupted:    "The run was interrupted before producing a final answer.",
	model.StopReasonStaleTimeout:   "The run was stopped because the engine reported no progress within the staleness timeout.",
	model.StopReasonMessageLimit:   "The run was stopped after exceeding the maximum number of stream events.",
	model.StopReasonError:          "The run failed before producing a final answer.",
	model.StopReasonUnknown:        "The run ended without producing a final answer.",
}

// FallbackText returns the message recorded in place of a blank result
func FallbackText(reason model.StopReason) string {
	if text, ok := fallbackText[reason]; ok {
		return text
	}
	return fallbackText[model.StopReasonUnknown]
}
