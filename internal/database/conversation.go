package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/models"
)

const conversationSelectColumns = `
	c.id, c.user_id, c.title, c.pinned, c.share_token, c.created_at, c.updated_at,
	(SELECT count(*) FROM messages m WHERE m.conversation_id = c.id)`

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var conv models.Conversation
	var shareToken sql.NullString
	err := row.Scan(
		&conv.ID, &conv.UserID, &conv.Title, &conv.Pinned, &shareToken,
		&conv.CreatedAt, &conv.UpdatedAt, &conv.MessageCount,
	)
	if err != nil {
		return nil, err
	}
	if shareToken.Valid {
		conv.ShareToken = &shareToken.String
	}
	return &conv, nil
}

// CreateConversation creates a new conversation for a user.
func (db *DB) CreateConversation(ctx context.Context, userID uuid.UUID, title string) (*models.Conversation, error) {
	query := `
		WITH inserted AS (
			INSERT INTO conversations (user_id, title)
			VALUES ($1, $2)
			RETURNING id, user_id, title, pinned, share_token, created_at, updated_at
		)
		SELECT id, user_id, title, pinned, share_token, created_at, updated_at, 0
		FROM inserted`

	conv, err := scanConversation(db.QueryRowContext(ctx, query, userID, title))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (db *DB) GetConversation(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	query := `SELECT` + conversationSelectColumns + ` FROM conversations c WHERE c.id = $1`

	conv, err := scanConversation(db.QueryRowContext(ctx, query, conversationID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrConversationNotFound, "conversation not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return conv, nil
}

// GetConversationByShareToken retrieves a conversation by its public share token.
func (db *DB) GetConversationByShareToken(ctx context.Context, shareToken string) (*models.Conversation, error) {
	query := `SELECT` + conversationSelectColumns + ` FROM conversations c WHERE c.share_token = $1`

	conv, err := scanConversation(db.QueryRowContext(ctx, query, shareToken))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrConversationNotFound, "conversation not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return conv, nil
}

// GetUserConversations retrieves all conversations for a user, pinned first
// then ordered by updated_at desc.
func (db *DB) GetUserConversations(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Conversation, error) {
	query := `SELECT` + conversationSelectColumns + `
		FROM conversations c
		WHERE c.user_id = $1
		ORDER BY c.pinned DESC, c.updated_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var shareToken sql.NullString
		err := rows.Scan(
			&conv.ID, &conv.UserID, &conv.Title, &conv.Pinned, &shareToken,
			&conv.CreatedAt, &conv.UpdatedAt, &conv.MessageCount,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
		}
		if shareToken.Valid {
			conv.ShareToken = &shareToken.String
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}

	return conversations, nil
}

// GetConversationWithMessages retrieves a conversation with all its messages.
func (db *DB) GetConversationWithMessages(ctx context.Context, conversationID uuid.UUID) (*models.ConversationWithMessages, error) {
	conv, err := db.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	messages, err := db.GetConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	return &models.ConversationWithMessages{
		Conversation: *conv,
		Messages:     messages,
	}, nil
}

// UpdateConversation patches a conversation's title and/or pinned state.
func (db *DB) UpdateConversation(ctx context.Context, conversationID uuid.UUID, update *models.ConversationUpdate) (*models.Conversation, error) {
	query := `
		UPDATE conversations
		SET title = COALESCE($2, title), pinned = COALESCE($3, pinned), updated_at = now()
		WHERE id = $1
		RETURNING id, user_id, title, pinned, share_token, created_at, updated_at, 0`

	conv, err := scanConversation(db.QueryRowContext(ctx, query, conversationID, update.Title, update.Pinned))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrConversationNotFound, "conversation not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	conv.MessageCount = 0
	if count, countErr := db.messageCount(ctx, conversationID); countErr == nil {
		conv.MessageCount = count
	}
	return conv, nil
}

// SetShareToken assigns or clears the public share token for a conversation.
func (db *DB) SetShareToken(ctx context.Context, conversationID uuid.UUID, shareToken *string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE conversations SET share_token = $2, updated_at = now() WHERE id = $1`,
		conversationID, shareToken,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return requireRowsAffected(result)
}

// DeleteConversation deletes a conversation and all its messages/datasets.
func (db *DB) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	result, err := db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return requireRowsAffected(result)
}

// CheckConversationOwnership verifies a user owns a conversation.
func (db *DB) CheckConversationOwnership(ctx context.Context, conversationID, userID uuid.UUID) error {
	var id uuid.UUID
	err := db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return apperr.New(apperr.ErrForbidden, "access denied to conversation")
		}
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return nil
}

func (db *DB) messageCount(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&count)
	return count, err
}

// GetConversationCount returns the total number of conversations for a user.
func (db *DB) GetConversationCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM conversations WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return count, nil
}

// GenerateConversationTitle derives a conversation title from the first user
// message when none was supplied explicitly.
func GenerateConversationTitle(firstMessage string) string {
	if firstMessage == "" {
		return "New Conversation"
	}

	const maxLength = 50
	if len(firstMessage) > maxLength {
		return firstMessage[:maxLength] + "..."
	}
	return firstMessage
}
