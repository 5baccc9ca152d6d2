package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a user's chat thread, optionally pinned and
// optionally shared via a public token.
type Conversation struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Title       string    `json:"title"`
	Pinned      bool      `json:"pinned"`
	ShareToken  *string   `json:"share_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	MessageCount int      `json:"message_count"`
}

// ConversationWithMessages bundles a conversation with its full
// message history, for export/fork operations.
type ConversationWithMessages struct {
	Conversation
	Messages []Message `json:"messages"`
}

// ConversationCreate is the request body for explicit creation.
type ConversationCreate struct {
	Title string `json:"title,omitempty"`
}

// ConversationUpdate patches title and/or pinned state.
type ConversationUpdate struct {
	Title  *string `json:"title,omitempty" validate:"omitempty,min=1"`
	Pinned *bool   `json:"pinned,omitempty"`
}

// QueryHistory is an audit row for one SQL execution issued through the
// conversation-scoped query endpoint (not the chat tool-call path).
type QueryHistory struct {
	ID              uuid.UUID `json:"id"`
	ConversationID  uuid.UUID `json:"conversation_id"`
	UserID          uuid.UUID `json:"user_id"`
	SQLQuery        string    `json:"sql_query"`
	RowCount        int       `json:"row_count"`
	ExecutionTimeMs float64   `json:"execution_time_ms"`
	CreatedAt       time.Time `json:"created_at"`
}
