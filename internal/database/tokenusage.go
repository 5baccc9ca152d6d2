package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/models"
)

// RecordTokenUsage appends one ledger row for a completed turn.
func (db *DB) RecordTokenUsage(ctx context.Context, userID uuid.UUID, conversationID *uuid.UUID, model string, inputTokens, outputTokens int, cost float64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO token_usage (user_id, conversation_id, model, input_tokens, output_tokens, cost)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, conversationID, model, inputTokens, outputTokens, cost,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return nil
}

// SumTokensInWindow returns the total input+output tokens a user has
// consumed since windowStart, the basis for the rolling rate-limit window.
func (db *DB) SumTokensInWindow(ctx context.Context, userID uuid.UUID, windowStart interface{}) (int64, error) {
	var total sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT sum(input_tokens + output_tokens)
		FROM token_usage
		WHERE user_id = $1 AND created_at >= $2`,
		userID, windowStart,
	).Scan(&total)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Int64, nil
}

// GetUserTokenUsageHistory returns recent usage ledger rows for a user,
// newest first.
func (db *DB) GetUserTokenUsageHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.TokenUsage, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, model, input_tokens, output_tokens, cost, created_at
		FROM token_usage
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	defer rows.Close()

	var history []models.TokenUsage
	for rows.Next() {
		var tu models.TokenUsage
		var conversationID uuid.NullUUID
		if err := rows.Scan(&tu.ID, &tu.UserID, &conversationID, &tu.Model, &tu.InputTokens, &tu.OutputTokens, &tu.Cost, &tu.CreatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
		}
		if conversationID.Valid {
			tu.ConversationID = &conversationID.UUID
		}
		history = append(history, tu)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return history, nil
}

// RecordQueryHistory appends an audit row for a SQL query issued through the
// conversation-scoped query endpoint.
func (db *DB) RecordQueryHistory(ctx context.Context, conversationID, userID uuid.UUID, sqlQuery string, rowCount int, executionTimeMs float64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO query_history (conversation_id, user_id, sql_query, row_count, execution_time_ms)
		VALUES ($1, $2, $3, $4, $5)`,
		conversationID, userID, sqlQuery, rowCount, executionTimeMs,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return nil
}

// GetConversationQueryHistory returns the SQL execution audit trail for a
// conversation, newest first.
func (db *DB) GetConversationQueryHistory(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.QueryHistory, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, user_id, sql_query, row_count, execution_time_ms, created_at
		FROM query_history
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	defer rows.Close()

	var history []models.QueryHistory
	for rows.Next() {
		var qh models.QueryHistory
		if err := rows.Scan(&qh.ID, &qh.ConversationID, &qh.UserID, &qh.SQLQuery, &qh.RowCount, &qh.ExecutionTimeMs, &qh.CreatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
		}
		history = append(history, qh)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return history, nil
}
