package model

import "time"

// MessageRole identifies the author of a conversation message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ConversationMessage is one persisted turn of a session's history
type ConversationMessage struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CostUSD   float64     `json:"cost_usd,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// SessionStats aggregates a session's history
type SessionStats struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
