package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/models"
)

func scanMessage(scan func(dest ...interface{}) error) (*models.Message, error) {
	var msg models.Message
	var sqlExecutionsJSON, toolCallTraceJSON sql.NullString
	var reasoning sql.NullString

	err := scan(
		&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
		&sqlExecutionsJSON, &reasoning, &toolCallTraceJSON,
		&msg.InputTokens, &msg.OutputTokens, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if reasoning.Valid {
		msg.Reasoning = &reasoning.String
	}
	if sqlExecutionsJSON.Valid && sqlExecutionsJSON.String != "" {
		if err := json.Unmarshal([]byte(sqlExecutionsJSON.String), &msg.SQLExecutions); err != nil {
			return nil, err
		}
	}
	if toolCallTraceJSON.Valid && toolCallTraceJSON.String != "" {
		if err := json.Unmarshal([]byte(toolCallTraceJSON.String), &msg.ToolCallTrace); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

const messageSelectColumns = `id, conversation_id, role, content, sql_executions, reasoning, tool_call_trace, input_tokens, output_tokens, created_at`

// CreateMessage inserts a new message, optionally carrying SQL execution
// traces, model reasoning, and tool-call history.
func (db *DB) CreateMessage(ctx context.Context, conversationID uuid.UUID, role, content string, sqlExecutions []models.SQLExecution, reasoning *string, toolCallTrace []models.ToolCallRecord, inputTokens, outputTokens int) (*models.Message, error) {
	sqlExecJSON, err := marshalOrNil(sqlExecutions)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternalServer)
	}
	toolTraceJSON, err := marshalOrNil(toolCallTrace)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternalServer)
	}

	query := `
		INSERT INTO messages (conversation_id, role, content, sql_executions, reasoning, tool_call_trace, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + messageSelectColumns

	msg, err := scanMessage(db.QueryRowContext(ctx, query, conversationID, role, content, sqlExecJSON, reasoning, toolTraceJSON, inputTokens, outputTokens).Scan)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return msg, nil
}

func marshalOrNil(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case []models.SQLExecution:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.ToolCallRecord:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// GetMessage retrieves a message by ID.
func (db *DB) GetMessage(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	query := `SELECT ` + messageSelectColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(db.QueryRowContext(ctx, query, messageID).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrMessageNotFound, "message not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return msg, nil
}

// GetConversationMessages retrieves all messages for a conversation, ordered by created_at.
func (db *DB) GetConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	return db.getConversationMessages(ctx, conversationID, -1, 0)
}

// GetConversationMessagesPaginated retrieves messages for a conversation with pagination.
func (db *DB) GetConversationMessagesPaginated(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]models.Message, error) {
	return db.getConversationMessages(ctx, conversationID, limit, offset)
}

func (db *DB) getConversationMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]models.Message, error) {
	query := `SELECT ` + messageSelectColumns + ` FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`
	args := []interface{}{conversationID}
	if limit >= 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}

	return messages, nil
}

// DeleteMessage deletes a message by ID.
func (db *DB) DeleteMessage(ctx context.Context, messageID uuid.UUID) error {
	result, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, messageID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return requireRowsAffected(result)
}

// GetMessageCount returns the total number of messages in a conversation.
func (db *DB) GetMessageCount(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return count, nil
}

// CreateMessagePair persists a user message and the resulting assistant
// message from a completed orchestration turn in a single transaction, then
// bumps the conversation's updated_at.
func (db *DB) CreateMessagePair(ctx context.Context, conversationID uuid.UUID, userContent string, assistant *models.Message) (*models.Message, *models.Message, error) {
	var userMessage, assistantMessage *models.Message

	err := db.Transaction(func(tx *sql.Tx) error {
		var err error
		userMessage, err = insertMessageTx(ctx, tx, conversationID, "user", userContent, nil, nil, nil, 0, 0)
		if err != nil {
			return err
		}

		assistantMessage, err = insertMessageTx(
			ctx, tx, conversationID, "assistant", assistant.Content,
			assistant.SQLExecutions, assistant.Reasoning, assistant.ToolCallTrace,
			assistant.InputTokens, assistant.OutputTokens,
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return userMessage, assistantMessage, nil
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, conversationID uuid.UUID, role, content string, sqlExecutions []models.SQLExecution, reasoning *string, toolCallTrace []models.ToolCallRecord, inputTokens, outputTokens int) (*models.Message, error) {
	sqlExecJSON, err := marshalOrNil(sqlExecutions)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternalServer)
	}
	toolTraceJSON, err := marshalOrNil(toolCallTrace)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternalServer)
	}

	query := `
		INSERT INTO messages (conversation_id, role, content, sql_executions, reasoning, tool_call_trace, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + messageSelectColumns

	msg, err := scanMessage(tx.QueryRowContext(ctx, query, conversationID, role, content, sqlExecJSON, reasoning, toolTraceJSON, inputTokens, outputTokens).Scan)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return msg, nil
}

// GetFirstUserMessage retrieves the first user message in a conversation, used for title generation.
func (db *DB) GetFirstUserMessage(ctx context.Context, conversationID uuid.UUID) (*models.Message, error) {
	query := `SELECT ` + messageSelectColumns + ` FROM messages WHERE conversation_id = $1 AND role = 'user' ORDER BY created_at ASC LIMIT 1`

	msg, err := scanMessage(db.QueryRowContext(ctx, query, conversationID).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrMessageNotFound, "no user message found")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return msg, nil
}
