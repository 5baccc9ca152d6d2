package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"chatdf/backend/internal/errtranslate"
	"chatdf/backend/internal/models"
	"chatdf/backend/internal/queryengine"
	"chatdf/backend/internal/wsevents"
)

const (
	toolExecuteSQL        = "execute_sql"
	toolLoadDataset       = "load_dataset"
	toolCreateChart       = "create_chart"
	toolSuggestFollowups  = "suggest_followups"
	sqlPreviewRows        = 20
	maxFollowupSuggestions = 3
	maxFollowupChars      = 80
)

var toolCatalog = []toolSpec{
	{
		Name:        toolExecuteSQL,
		Description: "Run a read-only DuckDB SQL query against the conversation's loaded datasets.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	},
	{
		Name:        toolLoadDataset,
		Description: "Load a new dataset into this conversation from a URL.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`),
	},
	{
		Name:        toolCreateChart,
		Description: "Propose a chart visualizing the most recent successful query result.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"chart_type":{"type":"string"},"title":{"type":"string"}},"required":["chart_type"]}`),
	},
	{
		Name:        toolSuggestFollowups,
		Description: "Suggest up to three short follow-up questions.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"suggestions":{"type":"array","items":{"type":"string"}}},"required":["suggestions"]}`),
	},
}

// turnState accumulates everything a single ProcessMessage call builds
// up across its stream/tool-dispatch loop.
type turnState struct {
	conversationID uuid.UUID
	refs           []queryengine.DatasetRef

	sqlExecutions       []models.SQLExecution
	toolCallTrace       []models.ToolCallRecord
	followupSuggestions []string
	lastSuccessfulSQL   int // index into sqlExecutions, -1 if none

	sqlRetries    int
	toolCallCount int
}

func newTurnState(conversationID uuid.UUID, refs []queryengine.DatasetRef) *turnState {
	return &turnState{
		conversationID:    conversationID,
		refs:              refs,
		lastSuccessfulSQL: -1,
	}
}

// dispatchToolCall runs one tool call to completion and returns the
// text fed back to the model as the tool's response.
func (e *Engine) dispatchToolCall(ctx context.Context, t *turnState, call functionCallMsg, send func(wsevents.Envelope)) string {
	send(wsevents.Envelope{Type: wsevents.TypeToolCallStarted, Data: wsevents.ToolCallStarted{Tool: call.Name, Args: call.Args}})
	t.toolCallTrace = append(t.toolCallTrace, models.ToolCallRecord{ToolName: call.Name, Args: call.Args})

	switch call.Name {
	case toolExecuteSQL:
		return e.dispatchExecuteSQL(ctx, t, call.Args, send)
	case toolLoadDataset:
		return e.dispatchLoadDataset(ctx, t, call.Args)
	case toolCreateChart:
		return e.dispatchCreateChart(t, call.Args, send)
	case toolSuggestFollowups:
		return e.dispatchSuggestFollowups(t, call.Args, send)
	default:
		return fmt.Sprintf("unknown tool %q", call.Name)
	}
}

func (e *Engine) dispatchExecuteSQL(ctx context.Context, t *turnState, args json.RawMessage, send func(wsevents.Envelope)) string {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "invalid arguments: query must be a string"
	}

	if t.sqlRetries >= e.cfg.MaxSQLRetries {
		return "maximum retry attempts reached for SQL errors this turn; explain the failure to the user instead of retrying"
	}

	send(wsevents.Envelope{Type: wsevents.TypeQueryProgress, Data: wsevents.QueryProgress{Number: len(t.sqlExecutions) + 1}})

	result, err := e.pool.RunQuery(ctx, params.Query, t.refs)
	if err != nil {
		t.sqlRetries++
		message, _ := errtranslate.ToUserMessage(err)
		t.sqlExecutions = append(t.sqlExecutions, models.SQLExecution{Query: params.Query, Error: message})

		if t.sqlRetries >= e.cfg.MaxSQLRetries {
			return fmt.Sprintf("SQL error (retries exhausted, explain this to the user instead of retrying): %s", message)
		}
		return fmt.Sprintf("SQL error: %s. Available columns can be found in the schema above; adjust the query and try again.", message)
	}

	rows := result.Rows
	wireRows := capRows(rows, 100)
	fullRows := capRows(rows, queryengine.MaxResultRows)

	t.sqlExecutions = append(t.sqlExecutions, models.SQLExecution{
		Query:           params.Query,
		Columns:         result.Columns,
		Rows:            wireRows,
		FullRows:        fullRows,
		TotalRows:       result.TotalRows,
		ExecutionTimeMs: result.ExecutionTimeMs,
	})
	t.lastSuccessfulSQL = len(t.sqlExecutions) - 1

	preview := capRows(rows, sqlPreviewRows)
	previewJSON, _ := json.Marshal(preview)
	return fmt.Sprintf("query returned %d rows (columns: %v). First %d rows: %s", result.TotalRows, result.Columns, len(preview), previewJSON)
}

func capRows(rows []map[string]any, n int) []map[string]any {
	if len(rows) <= n {
		return rows
	}
	return rows[:n]
}

func (e *Engine) dispatchLoadDataset(ctx context.Context, t *turnState, args json.RawMessage) string {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "invalid arguments: url must be a string"
	}

	ds, err := e.catalog.AddDataset(ctx, t.conversationID, params.URL, nil)
	if err != nil {
		return fmt.Sprintf("failed to load dataset: %v", err)
	}

	t.refs = append(t.refs, queryengine.DatasetRef{URL: ds.URL, TableName: ds.TableName})
	return fmt.Sprintf("loaded %q as table %q (%d rows, %d columns)", params.URL, ds.TableName, ds.RowCount, len(ds.Schema))
}

func (e *Engine) dispatchCreateChart(t *turnState, args json.RawMessage, send func(wsevents.Envelope)) string {
	index := t.lastSuccessfulSQL
	if index < 0 {
		index = len(t.sqlExecutions) - 1
	}
	if index < 0 {
		return "no query result is available to chart yet"
	}

	send(wsevents.Envelope{Type: wsevents.TypeChartSpec, Data: wsevents.ChartSpec{ExecutionIndex: index, Spec: args}})
	return "chart created"
}

func (e *Engine) dispatchSuggestFollowups(t *turnState, args json.RawMessage, send func(wsevents.Envelope)) string {
	var params struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "invalid arguments: suggestions must be an array of strings"
	}

	capped := make([]string, 0, maxFollowupSuggestions)
	for _, s := range params.Suggestions {
		if len(capped) >= maxFollowupSuggestions {
			break
		}
		if len(s) > maxFollowupChars {
			s = s[:maxFollowupChars]
		}
		capped = append(capped, s)
	}

	t.followupSuggestions = capped
	send(wsevents.Envelope{Type: wsevents.TypeFollowUpSuggestions, Data: wsevents.FollowUpSuggestions{Suggestions: capped}})
	return "follow-up suggestions recorded"
}

// datasetRefsFor converts a conversation's catalog entries into the
// URL/table-name pairs the query engine needs.
func datasetRefsFor(list []models.Dataset) []queryengine.DatasetRef {
	refs := make([]queryengine.DatasetRef, 0, len(list))
	for _, d := range list {
		if d.Status != models.DatasetStatusReady {
			continue
		}
		refs = append(refs, queryengine.DatasetRef{URL: d.URL, TableName: d.TableName})
	}
	return refs
}
