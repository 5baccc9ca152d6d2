package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/auth"
	appmiddleware "chatdf/backend/internal/middleware"
	"chatdf/backend/internal/models"
	"chatdf/backend/internal/queryengine"
	"chatdf/backend/internal/validation"
)

func (a *api) ownedConversation(r *http.Request) (uuid.UUID, *models.User, error) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		return uuid.Nil, nil, err
	}
	conversationID, err := pathUUID(r, "conversationID")
	if err != nil {
		return uuid.Nil, nil, err
	}
	if err := a.DB.CheckConversationOwnership(r.Context(), conversationID, user.ID); err != nil {
		return uuid.Nil, nil, err
	}
	return conversationID, user, nil
}

type conversationSummary struct {
	models.Conversation
	DatasetCount       int    `json:"dataset_count"`
	LastMessagePreview string `json:"last_message_preview,omitempty"`
}

func (a *api) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var body models.ConversationCreate
	_ = decodeJSON(r, &body)
	title := strings.TrimSpace(body.Title)

	conv, err := a.DB.CreateConversation(r.Context(), user.ID, title)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (a *api) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	limit, offset := paginationParams(r)
	conversations, err := a.DB.GetUserConversations(r.Context(), user.ID, limit, offset)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	summaries := make([]conversationSummary, 0, len(conversations))
	for _, conv := range conversations {
		summary := conversationSummary{Conversation: conv}

		var count int
		if err := a.DB.QueryRowContext(r.Context(), `SELECT count(*) FROM datasets WHERE conversation_id = $1`, conv.ID).Scan(&count); err == nil {
			summary.DatasetCount = count
		}

		var preview sql.NullString
		if err := a.DB.QueryRowContext(r.Context(),
			`SELECT content FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT 1`,
			conv.ID,
		).Scan(&preview); err == nil && preview.Valid {
			summary.LastMessagePreview = truncate(preview.String, 100)
		}

		summaries = append(summaries, summary)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": summaries})
}

func (a *api) handleSearchConversations(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		appmiddleware.WriteError(w, r, apperr.New(apperr.ErrValidationFailed, "q is required"))
		return
	}
	limit, _ := paginationParams(r)
	if limit == 0 {
		limit = 20
	}

	rows, err := a.DB.QueryContext(r.Context(), `
		SELECT m.conversation_id, c.title, m.id, m.content
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.user_id = $1 AND m.content ILIKE '%' || $2 || '%'
		ORDER BY m.created_at DESC
		LIMIT $3`, user.ID, q, limit)
	if err != nil {
		appmiddleware.WriteError(w, r, apperr.Wrap(err, apperr.ErrDatabaseError))
		return
	}
	defer rows.Close()

	type hit struct {
		ConversationID uuid.UUID `json:"conversation_id"`
		Title          string    `json:"title"`
		MessageID      uuid.UUID `json:"message_id"`
		Snippet        string    `json:"snippet"`
	}
	var hits []hit
	for rows.Next() {
		var h hit
		var content string
		if err := rows.Scan(&h.ConversationID, &h.Title, &h.MessageID, &content); err != nil {
			continue
		}
		h.Snippet = snippetAround(content, q, 50)
		hits = append(hits, h)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": hits})
}

func (a *api) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var body struct {
		IDs []uuid.UUID `json:"ids" validate:"required,min=1,max=50"`
	}
	if err := decodeJSON(r, &body); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if len(body.IDs) == 0 || len(body.IDs) > 50 {
		appmiddleware.WriteError(w, r, apperr.New(apperr.ErrValidationFailed, "ids must contain between 1 and 50 entries"))
		return
	}

	if _, err := a.DB.ExecContext(r.Context(),
		`DELETE FROM conversations WHERE user_id = $1 AND id = ANY($2)`,
		user.ID, pq.Array(uuidArray(body.IDs)),
	); err != nil {
		appmiddleware.WriteError(w, r, apperr.Wrap(err, apperr.ErrDatabaseError))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleBulkPin(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var body struct {
		IDs      []uuid.UUID `json:"ids"`
		IsPinned bool        `json:"is_pinned"`
	}
	if err := decodeJSON(r, &body); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if len(body.IDs) == 0 || len(body.IDs) > 50 {
		appmiddleware.WriteError(w, r, apperr.New(apperr.ErrValidationFailed, "ids must contain between 1 and 50 entries"))
		return
	}

	if _, err := a.DB.ExecContext(r.Context(),
		`UPDATE conversations SET pinned = $3, updated_at = now() WHERE user_id = $1 AND id = ANY($2)`,
		user.ID, pq.Array(uuidArray(body.IDs)), body.IsPinned,
	); err != nil {
		appmiddleware.WriteError(w, r, apperr.Wrap(err, apperr.ErrDatabaseError))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleClearConversations(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if _, err := a.DB.ExecContext(r.Context(), `DELETE FROM conversations WHERE user_id = $1`, user.ID); err != nil {
		appmiddleware.WriteError(w, r, apperr.Wrap(err, apperr.ErrDatabaseError))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	detail, err := a.DB.GetConversationWithMessages(r.Context(), conversationID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	datasetList, err := a.Catalog.GetDatasets(r.Context(), conversationID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": detail.Conversation,
		"messages":     detail.Messages,
		"datasets":     datasetList,
	})
}

func (a *api) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var update models.ConversationUpdate
	if err := decodeJSON(r, &update); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if err := validation.ValidateStruct(&update); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	conv, err := a.DB.UpdateConversation(r.Context(), conversationID, &update)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *api) handlePinConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var body struct {
		Pinned bool `json:"pinned"`
	}
	if err := decodeJSON(r, &body); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	conv, err := a.DB.UpdateConversation(r.Context(), conversationID, &models.ConversationUpdate{Pinned: &body.Pinned})
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *api) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if err := a.DB.DeleteConversation(r.Context(), conversationID); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleExportConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	detail, err := a.DB.GetConversationWithMessages(r.Context(), conversationID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="conversation.json"`)
	writeJSON(w, http.StatusOK, detail)
}

func (a *api) handleExportConversationHTML(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	detail, err := a.DB.GetConversationWithMessages(r.Context(), conversationID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var b strings.Builder
	b.WriteString("<!doctype html><html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(detail.Title)
	b.WriteString("</title></head><body>")
	for _, m := range detail.Messages {
		b.WriteString("<div class=\"message ")
		b.WriteString(m.Role)
		b.WriteString("\"><pre>")
		b.WriteString(strings.ReplaceAll(m.Content, "</pre>", "&lt;/pre&gt;"))
		b.WriteString("</pre></div>")
	}
	b.WriteString("</body></html>")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="conversation.html"`)
	w.Write([]byte(b.String()))
}

func (a *api) handleForkConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, user, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var body struct {
		MessageID uuid.UUID `json:"message_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	cutoff, err := a.DB.GetMessage(r.Context(), body.MessageID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	source, err := a.DB.GetConversation(r.Context(), conversationID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	forked, err := a.DB.CreateConversation(r.Context(), user.ID, "Fork of "+source.Title)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	messages, err := a.DB.GetConversationMessages(r.Context(), conversationID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	for _, m := range messages {
		if m.CreatedAt.After(cutoff.CreatedAt) {
			continue
		}
		if _, err := a.DB.CreateMessage(r.Context(), forked.ID, m.Role, m.Content, m.SQLExecutions, m.Reasoning, m.ToolCallTrace, m.InputTokens, m.OutputTokens); err != nil {
			appmiddleware.WriteError(w, r, err)
			return
		}
	}

	datasetList, err := a.Catalog.GetDatasets(r.Context(), conversationID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	for _, d := range datasetList {
		if _, err := a.Catalog.AddDataset(r.Context(), forked.ID, d.URL, &d.TableName); err != nil {
			appmiddleware.WriteError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, forked)
}

func (a *api) handleMintShareToken(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	token, err := randomURLSafeToken(16)
	if err != nil {
		appmiddleware.WriteError(w, r, apperr.Wrap(err, apperr.ErrInternalServer))
		return
	}
	if err := a.DB.SetShareToken(r.Context(), conversationID, &token); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"share_token": token})
}

func (a *api) handleRevokeShareToken(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if err := a.DB.SetShareToken(r.Context(), conversationID, nil); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleGetSharedConversation(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "shareToken")
	conv, err := a.DB.GetConversationByShareToken(r.Context(), token)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	detail, err := a.DB.GetConversationWithMessages(r.Context(), conv.ID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *api) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, user, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if err := validation.ValidateChatMessage(body.Content); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	body.Content = validation.SanitizeString(body.Content)

	go func() {
		if err := a.Orchestrator.ProcessMessage(context.WithoutCancel(r.Context()), conversationID, user.ID, body.Content); err != nil {
			slog.Error("process message failed", "conversation_id", conversationID, "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (a *api) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if _, _, err := a.ownedConversation(r); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	messageID, err := pathUUID(r, "messageID")
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if err := a.DB.DeleteMessage(r.Context(), messageID); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleStopGeneration(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	a.Orchestrator.StopGeneration(conversationID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleRunQuery(w http.ResponseWriter, r *http.Request) {
	conversationID, user, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var body struct {
		Query string `json:"query"`
	}
	if err := decodeJSON(r, &body); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		appmiddleware.WriteError(w, r, apperr.New(apperr.ErrValidationFailed, "query is required"))
		return
	}

	datasetList, err := a.Catalog.GetDatasets(r.Context(), conversationID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	refs := make([]queryengine.DatasetRef, 0, len(datasetList))
	for _, d := range datasetList {
		if d.Status != models.DatasetStatusReady {
			continue
		}
		refs = append(refs, queryengine.DatasetRef{URL: d.URL, TableName: d.TableName})
	}

	result, err := a.Pool.RunQuery(r.Context(), body.Query, refs)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	if err := a.DB.RecordQueryHistory(r.Context(), conversationID, user.ID, body.Query, int(result.TotalRows), result.ExecutionTimeMs); err != nil {
		slog.Warn("record query history failed", "conversation_id", conversationID, "error", err)
	}

	writeJSON(w, http.StatusOK, result)
}

func (a *api) handleQueryHistory(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	limit, _ := paginationParams(r)
	history, err := a.DB.GetConversationQueryHistory(r.Context(), conversationID, limit)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

func (a *api) handleTokenUsage(w http.ResponseWriter, r *http.Request) {
	conversationID, _, err := a.ownedConversation(r)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	var inputTokens, outputTokens int
	err = a.DB.QueryRowContext(r.Context(),
		`SELECT COALESCE(sum(input_tokens),0), COALESCE(sum(output_tokens),0) FROM token_usage WHERE conversation_id = $1`,
		conversationID,
	).Scan(&inputTokens, &outputTokens)
	if err != nil {
		appmiddleware.WriteError(w, r, apperr.Wrap(err, apperr.ErrDatabaseError))
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": inputTokens, "output_tokens": outputTokens})
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func snippetAround(content, query string, radius int) string {
	idx := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if idx < 0 {
		return truncate(content, radius*2)
	}
	start := idx - radius
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + radius
	if end > len(content) {
		end = len(content)
	}
	return content[start:end]
}

func uuidArray(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
