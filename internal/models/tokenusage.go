package models

import (
	"time"

	"github.com/google/uuid"
)

// TokenUsage is one append-only ledger row, recorded at the end of
// every orchestrated turn.
type TokenUsage struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	Model          string     `json:"model"`
	InputTokens    int        `json:"input_tokens"`
	OutputTokens   int        `json:"output_tokens"`
	Cost           float64    `json:"cost"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RateLimitStatus is the rate-limit accountant's read-path result.
type RateLimitStatus struct {
	UsageTokens      int64 `json:"usage_tokens"`
	LimitTokens      int64 `json:"limit_tokens"`
	RemainingTokens  int64 `json:"remaining_tokens"`
	UsagePercent     float64 `json:"usage_percent"`
	Warning          bool  `json:"warning"`
	Allowed          bool  `json:"allowed"`
	ResetsInSeconds  *int64 `json:"resets_in_seconds,omitempty"`
}
