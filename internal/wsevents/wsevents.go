// Package wsevents defines the typed, JSON-tagged event envelopes sent
// down a conversation's WebSocket connection. Field names are kept
// deliberately short to match the wire shape already in use by clients;
// the type set is additive-only.
package wsevents

import "encoding/json"

// Envelope is the outer shape of every event: a discriminant "type" plus
// a type-specific payload, flattened into one JSON object on the wire.
type Envelope struct {
	Type string `json:"type"`
	Data interface{}
}

// MarshalJSON flattens Data's fields alongside "type" into one object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["type"] = e.Type

	return json.Marshal(fields)
}

// ChatToken — "ct": one streamed chat token.
type ChatToken struct {
	Text      string `json:"t"`
	MessageID string `json:"mid"`
}

// ReasoningToken — "rt": one streamed reasoning token.
type ReasoningToken struct {
	Text string `json:"t"`
}

// ReasoningComplete — "rc": reasoning stream finished, no payload fields.
type ReasoningComplete struct{}

// ToolCallStarted — "tcs": a tool call began executing.
type ToolCallStarted struct {
	Tool string          `json:"tl"`
	Args json.RawMessage `json:"a"`
}

// QueryProgress — "qp": query #n is running.
type QueryProgress struct {
	Number int `json:"n"`
}

// QueryStatus — "qs": a named phase of query execution.
type QueryStatus struct {
	Phase string `json:"p"`
}

// ChartSpec — "cs": a chart specification derived from a query result.
type ChartSpec struct {
	ExecutionIndex int             `json:"ei"`
	Spec           json.RawMessage `json:"sp"`
}

// FollowUpSuggestions — "fs": suggested next questions.
type FollowUpSuggestions struct {
	Suggestions []string `json:"sg"`
}

// RateLimitWarning — "rlw": usage has crossed the warning threshold.
type RateLimitWarning struct {
	UsagePercent float64 `json:"up"`
	RemainingTokens int64 `json:"rt"`
}

// RateLimitExceeded — "rle": the turn was rejected for exceeding the cap.
type RateLimitExceeded struct {
	ResetsInSeconds *int64 `json:"rs,omitempty"`
}

// SQLExecutionSummary is one entry of the "sq" field on ChatComplete.
type SQLExecutionSummary struct {
	Query           string `json:"query"`
	RowCount        int64  `json:"row_count"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
	Error           string `json:"error,omitempty"`
}

// ToolCallSummary is one entry of the "tct" field on ChatComplete.
type ToolCallSummary struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// ChatComplete — "cc": the turn finished successfully.
type ChatComplete struct {
	MessageID     string                `json:"mid"`
	ToolCalls     int                   `json:"tc"`
	SQLExecutions int                   `json:"se"`
	InputTokens   int                   `json:"it"`
	OutputTokens  int                   `json:"ot"`
	SQLSummaries  []SQLExecutionSummary `json:"sq,omitempty"`
	Reasoning     string                `json:"r,omitempty"`
	ToolCallTrace []ToolCallSummary     `json:"tct,omitempty"`
}

// ChatError — "ce": the turn failed.
type ChatError struct {
	Error   string `json:"e"`
	Details string `json:"d,omitempty"`
}

// DatasetLoading — "dl": a dataset add has started.
type DatasetLoading struct {
	DatasetID string `json:"dataset_id"`
	URL       string `json:"url"`
}

// DatasetLoaded — "dld": a dataset finished loading successfully.
type DatasetLoaded struct {
	DatasetID   string `json:"dataset_id"`
	TableName   string `json:"table_name"`
	RowCount    int64  `json:"row_count"`
	ColumnCount int    `json:"column_count"`
}

// DatasetError — "de": a dataset failed to load.
type DatasetError struct {
	DatasetID string `json:"dataset_id"`
	Error     string `json:"error"`
}

// ConversationTitleUpdated — "ctu": the conversation's auto-generated
// title was set.
type ConversationTitleUpdated struct {
	Title string `json:"title"`
}

// UsageUpdate — "uu": a post-turn usage snapshot.
type UsageUpdate struct {
	UsageTokens     int64   `json:"usage_tokens"`
	LimitTokens     int64   `json:"limit_tokens"`
	RemainingTokens int64   `json:"remaining_tokens"`
	UsagePercent    float64 `json:"usage_percent"`
}

const (
	TypeChatToken                = "ct"
	TypeReasoningToken           = "rt"
	TypeReasoningComplete        = "rc"
	TypeToolCallStarted          = "tcs"
	TypeQueryProgress            = "qp"
	TypeQueryStatus              = "qs"
	TypeChartSpec                = "cs"
	TypeFollowUpSuggestions      = "fs"
	TypeRateLimitWarning         = "rlw"
	TypeRateLimitExceeded        = "rle"
	TypeChatComplete             = "cc"
	TypeChatError                = "ce"
	TypeDatasetLoading           = "dl"
	TypeDatasetLoaded            = "dld"
	TypeDatasetError             = "de"
	TypeConversationTitleUpdated = "ctu"
	TypeUsageUpdate              = "uu"
)
