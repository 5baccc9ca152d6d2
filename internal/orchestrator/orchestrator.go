// Package orchestrator drives one conversational turn end to end: it
// persists the user's message, assembles the model's context window,
// streams the completion while dispatching any tool calls the model
// makes, persists the result, and emits the websocket events the
// frontend uses to render the turn live.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/config"
	"chatdf/backend/internal/database"
	"chatdf/backend/internal/datasets"
	"chatdf/backend/internal/errtranslate"
	"chatdf/backend/internal/models"
	"chatdf/backend/internal/ratelimit"
	"chatdf/backend/internal/workerpool"
	"chatdf/backend/internal/wsconn"
	"chatdf/backend/internal/wsevents"
)

const (
	avgCharsPerToken = 4
	titleMaxChars    = 50
	titleEllipsis    = "…"
)

// Engine owns the single active-turn-per-conversation invariant and
// wires together every component a turn touches: persistence, the rate
// limit accountant, the dataset catalog, the query worker pool, the
// websocket hub, and the model client.
type Engine struct {
	db         *database.DB
	accountant *ratelimit.Accountant
	catalog    *datasets.Catalog
	pool       *workerpool.Pool
	hub        *wsconn.Hub
	llm        *llmClient
	cfg        config.OrchestratorConfig

	cancelMu    sync.Mutex
	cancelFuncs map[uuid.UUID]context.CancelFunc
}

// New builds an Engine. cfg and llmCfg are typically Config.Orchestrator
// and Config.LLM from the process configuration.
func New(db *database.DB, accountant *ratelimit.Accountant, catalog *datasets.Catalog, pool *workerpool.Pool, hub *wsconn.Hub, cfg config.OrchestratorConfig, llmCfg config.LLMConfig) *Engine {
	return &Engine{
		db:          db,
		accountant:  accountant,
		catalog:     catalog,
		pool:        pool,
		hub:         hub,
		llm:         newLLMClient(llmCfg.BaseURL, llmCfg.APIKey, llmCfg.Model, llmCfg.MaxRetries, llmCfg.RetryBaseDelay, llmCfg.RequestTimeout),
		cfg:         cfg,
		cancelFuncs: make(map[uuid.UUID]context.CancelFunc),
	}
}

// StopGeneration cancels conversationID's in-flight turn, if any. The
// turn's own cleanup persists whatever partial assistant text had
// streamed so far.
func (e *Engine) StopGeneration(conversationID uuid.UUID) {
	e.cancelMu.Lock()
	cancel, ok := e.cancelFuncs[conversationID]
	e.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

// ProcessMessage runs one full turn: it persists the user's message,
// checks the rate limit, streams a completion with tool dispatch, and
// persists and broadcasts the result. It returns once the turn is
// fully settled, cancelled, or rejected.
func (e *Engine) ProcessMessage(ctx context.Context, conversationID, userID uuid.UUID, content string) error {
	e.cancelMu.Lock()
	if _, busy := e.cancelFuncs[conversationID]; busy {
		e.cancelMu.Unlock()
		return apperr.New(apperr.ErrConflict, "a turn is already in progress for this conversation")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	e.cancelFuncs[conversationID] = cancel
	e.cancelMu.Unlock()
	e.hub.RegisterCancel(userID, cancel)
	defer func() {
		cancel()
		e.cancelMu.Lock()
		delete(e.cancelFuncs, conversationID)
		e.cancelMu.Unlock()
	}()

	send := func(event wsevents.Envelope) { e.hub.SendToUser(userID, event) }

	// Step 1 (admit) already happened above by winning the cancelFuncs race.

	// Step 2: persist the user message.
	if _, err := e.db.CreateMessage(turnCtx, conversationID, models.RoleUser, content, nil, nil, nil, 0, 0); err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}

	// Step 3: auto-title a fresh conversation from its first message.
	e.maybeAutoTitle(turnCtx, conversationID, content, send)

	// Step 4: pre-gate rate check.
	status, err := e.accountant.CheckLimit(turnCtx, userID)
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if !status.Allowed {
		send(wsevents.Envelope{Type: wsevents.TypeRateLimitExceeded, Data: wsevents.RateLimitExceeded{ResetsInSeconds: status.ResetsInSeconds}})
		return apperr.New(apperr.ErrRateLimitExceeded, "token budget exhausted for this period")
	}
	if status.Warning {
		send(wsevents.Envelope{Type: wsevents.TypeRateLimitWarning, Data: wsevents.RateLimitWarning{UsagePercent: status.UsagePercent, RemainingTokens: status.RemainingTokens}})
	}

	// Step 5: assemble context.
	datasetList, err := e.catalog.GetDatasets(turnCtx, conversationID)
	if err != nil {
		return fmt.Errorf("loading datasets: %w", err)
	}
	history, err := e.db.GetConversationMessages(turnCtx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation history: %w", err)
	}
	messages := e.assembleContext(history)
	system := buildSystemPrompt(datasetList)

	// Step 6: announce generation has begun.
	send(wsevents.Envelope{Type: wsevents.TypeQueryStatus, Data: wsevents.QueryStatus{Phase: "generating"}})

	// Steps 7-8: stream the completion, dispatching tool calls inline.
	state := newTurnState(conversationID, datasetRefsFor(datasetList))
	assistantText, reasoning, inputTokens, outputTokens, streamErr := e.runTurn(turnCtx, system, messages, state, send)

	// Step 9: persist the assistant message, even on cancellation or
	// error, so partial output is never silently dropped.
	var reasoningPtr *string
	if reasoning != "" {
		reasoningPtr = &reasoning
	}
	assistantMsg, err := e.db.CreateMessage(context.WithoutCancel(turnCtx), conversationID, models.RoleAssistant, assistantText, state.sqlExecutions, reasoningPtr, state.toolCallTrace, inputTokens, outputTokens)
	if err != nil {
		slog.Error("failed to persist assistant message", "conversation_id", conversationID, "error", err)
	}

	// Step 10: record usage.
	if inputTokens > 0 || outputTokens > 0 {
		if err := e.accountant.RecordUsage(context.WithoutCancel(turnCtx), userID, &conversationID, e.llm.model, inputTokens, outputTokens, 0); err != nil {
			slog.Error("failed to record token usage", "conversation_id", conversationID, "error", err)
		}
	}

	// Step 11: post-gate re-check: a warning once usage has crossed the
	// threshold, and a usage snapshot for the client's budget display.
	if postStatus, err := e.accountant.CheckLimit(context.WithoutCancel(turnCtx), userID); err == nil {
		if postStatus.Warning {
			send(wsevents.Envelope{Type: wsevents.TypeRateLimitWarning, Data: wsevents.RateLimitWarning{UsagePercent: postStatus.UsagePercent, RemainingTokens: postStatus.RemainingTokens}})
		}
		send(wsevents.Envelope{Type: wsevents.TypeUsageUpdate, Data: wsevents.UsageUpdate{
			UsageTokens:     postStatus.UsageTokens,
			LimitTokens:     postStatus.LimitTokens,
			RemainingTokens: postStatus.RemainingTokens,
			UsagePercent:    postStatus.UsagePercent,
		}})
	}

	// Step 12: announce completion or the error that ended the turn.
	if streamErr != nil && turnCtx.Err() == nil {
		message, detail := errtranslate.ToUserMessage(streamErr)
		send(wsevents.Envelope{Type: wsevents.TypeChatError, Data: wsevents.ChatError{Error: message, Details: detail}})
		return streamErr
	}
	messageID := ""
	if assistantMsg != nil {
		messageID = assistantMsg.ID.String()
	}
	send(wsevents.Envelope{Type: wsevents.TypeChatComplete, Data: buildChatComplete(state, messageID, inputTokens, outputTokens)})

	// Step 13: the deferred cancel release above frees the conversation
	// for its next turn.
	return nil
}

// runTurn drives the stream/tool-dispatch loop until the model finishes
// with plain text, the turn is cancelled, or MaxToolCallsPerTurn is
// reached.
func (e *Engine) runTurn(ctx context.Context, system string, messages []chatMessage, state *turnState, send func(wsevents.Envelope)) (assistantText, reasoning string, inputTokens, outputTokens int, err error) {
	var textBuilder, reasoningBuilder strings.Builder
	toolsDisabled := false
	reasoningCompleted := false

	for {
		var pendingCall *functionCallMsg
		handle := func(chunk streamChunk) {
			switch {
			case chunk.FunctionCall != nil:
				pendingCall = chunk.FunctionCall
			case chunk.Thought != "":
				reasoningBuilder.WriteString(chunk.Thought)
				send(wsevents.Envelope{Type: wsevents.TypeReasoningToken, Data: wsevents.ReasoningToken{Text: chunk.Thought}})
			case chunk.Text != "":
				if reasoningBuilder.Len() > 0 && !reasoningCompleted {
					reasoningCompleted = true
					send(wsevents.Envelope{Type: wsevents.TypeReasoningComplete, Data: wsevents.ReasoningComplete{}})
				}
				textBuilder.WriteString(chunk.Text)
				send(wsevents.Envelope{Type: wsevents.TypeChatToken, Data: wsevents.ChatToken{Text: chunk.Text, MessageID: "streaming"}})
			}
		}

		tools := toolCatalog
		if toolsDisabled {
			tools = nil
		}
		in, out, streamErr := e.llm.streamChat(ctx, chatRequest{System: system, Messages: messages, Tools: tools}, handle)
		inputTokens += in
		outputTokens += out
		if streamErr != nil {
			return textBuilder.String(), reasoningBuilder.String(), inputTokens, outputTokens, streamErr
		}
		if pendingCall == nil || toolsDisabled {
			return textBuilder.String(), reasoningBuilder.String(), inputTokens, outputTokens, nil
		}

		if state.toolCallCount >= e.cfg.MaxToolCallsPerTurn {
			messages = append(messages,
				chatMessage{Role: models.RoleAssistant, Content: textBuilder.String(), ToolName: pendingCall.Name, ToolArgs: pendingCall.Args},
				chatMessage{Role: "tool", ToolName: pendingCall.Name, ToolResult: "maximum tool calls reached for this turn; answer the user now using what you already know, without calling any more tools"},
			)
			textBuilder.Reset()
			toolsDisabled = true
			continue
		}
		state.toolCallCount++

		result := e.dispatchToolCall(ctx, state, *pendingCall, send)
		messages = append(messages,
			chatMessage{Role: models.RoleAssistant, Content: textBuilder.String(), ToolName: pendingCall.Name, ToolArgs: pendingCall.Args},
			chatMessage{Role: "tool", ToolName: pendingCall.Name, ToolResult: result},
		)
		textBuilder.Reset()

		if ctx.Err() != nil {
			return textBuilder.String(), reasoningBuilder.String(), inputTokens, outputTokens, ctx.Err()
		}
	}
}

// maybeAutoTitle sets a conversation's title from its opening message
// the first time a user speaks in it.
func (e *Engine) maybeAutoTitle(ctx context.Context, conversationID uuid.UUID, firstMessage string, send func(wsevents.Envelope)) {
	conv, err := e.db.GetConversation(ctx, conversationID)
	if err != nil || conv.Title != "" {
		return
	}

	title := deriveTitle(firstMessage)
	updated, err := e.db.UpdateConversation(ctx, conversationID, &models.ConversationUpdate{Title: &title})
	if err != nil {
		slog.Warn("failed to auto-title conversation", "conversation_id", conversationID, "error", err)
		return
	}
	send(wsevents.Envelope{Type: wsevents.TypeConversationTitleUpdated, Data: wsevents.ConversationTitleUpdated{Title: updated.Title}})
}

func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if title == "" {
		return "New conversation"
	}
	runes := []rune(title)
	if len(runes) > titleMaxChars {
		title = string(runes[:titleMaxChars]) + titleEllipsis
	}
	return title
}

// assembleContext converts persisted history into model messages,
// pruned to MaxMessages and an approximate MaxTokenBudget. When
// trimming for budget, plain-text messages are dropped before
// SQL-result-bearing ones, since a prior query result is harder for the
// model to reconstruct than a paraphrased remark.
func (e *Engine) assembleContext(history []models.Message) []chatMessage {
	if len(history) > e.cfg.MaxMessages {
		history = history[len(history)-e.cfg.MaxMessages:]
	}

	budget := e.cfg.MaxTokenBudget * avgCharsPerToken
	total := 0
	for _, m := range history {
		total += len(m.Content)
	}

	kept := make([]bool, len(history))
	for i := range kept {
		kept[i] = true
	}
	for total > budget {
		victim := -1
		for i, m := range history {
			if !kept[i] {
				continue
			}
			if len(m.SQLExecutions) == 0 {
				victim = i
				break
			}
			if victim < 0 {
				victim = i
			}
		}
		if victim < 0 {
			break
		}
		kept[victim] = false
		total -= len(history[victim].Content)
	}

	messages := make([]chatMessage, 0, len(history))
	for i, m := range history {
		if !kept[i] {
			continue
		}
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return messages
}

func buildChatComplete(state *turnState, messageID string, inputTokens, outputTokens int) wsevents.ChatComplete {
	sqlSummaries := make([]wsevents.SQLExecutionSummary, 0, len(state.sqlExecutions))
	for _, sql := range state.sqlExecutions {
		sqlSummaries = append(sqlSummaries, wsevents.SQLExecutionSummary{
			Query:           sql.Query,
			RowCount:        sql.TotalRows,
			ExecutionTimeMs: sql.ExecutionTimeMs,
			Error:           sql.Error,
		})
	}
	toolTrace := make([]wsevents.ToolCallSummary, 0, len(state.toolCallTrace))
	for _, t := range state.toolCallTrace {
		toolTrace = append(toolTrace, wsevents.ToolCallSummary{Tool: t.ToolName, Args: t.Args})
	}

	return wsevents.ChatComplete{
		MessageID:     messageID,
		ToolCalls:     state.toolCallCount,
		SQLExecutions: len(state.sqlExecutions),
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		SQLSummaries:  sqlSummaries,
		ToolCallTrace: toolTrace,
	}
}
