package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn's persisted content. Assistant messages may carry
// structured SQL executions, model reasoning, and a tool-call trace;
// user messages carry none of those.
type Message struct {
	ID             uuid.UUID        `json:"id"`
	ConversationID uuid.UUID        `json:"conversation_id"`
	Role           string           `json:"role"`
	Content        string           `json:"content"`
	SQLExecutions  []SQLExecution   `json:"sql_executions,omitempty"`
	Reasoning      *string          `json:"reasoning,omitempty"`
	ToolCallTrace  []ToolCallRecord `json:"tool_call_trace,omitempty"`
	InputTokens    int              `json:"input_tokens"`
	OutputTokens   int              `json:"output_tokens"`
	CreatedAt      time.Time        `json:"created_at"`
}

// SQLExecution records one execute_sql tool call's outcome. Rows is the
// wire-capped preview (<=100); FullRows is the DB-persisted capped set
// (<=1000) used to rehydrate chart specs and history views.
type SQLExecution struct {
	Query           string           `json:"query"`
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	FullRows        []map[string]any `json:"full_rows,omitempty"`
	TotalRows       int64            `json:"total_rows"`
	Error           string           `json:"error,omitempty"`
	ExecutionTimeMs float64          `json:"execution_time_ms"`
}

// ToolCallRecord is one entry in a message's tool-call trace.
type ToolCallRecord struct {
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args"`
	Result   string          `json:"result,omitempty"`
}
