package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/models"
)

// CreateSession creates a new user session with the given lifetime.
func (db *DB) CreateSession(userID uuid.UUID, tokenHash string, userAgent, ipAddress string, lifetime time.Duration) (*models.UserSession, error) {
	session := &models.UserSession{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: time.Now().Add(lifetime),
		CreatedAt: time.Now(),
		UserAgent: userAgent,
		IPAddress: ipAddress,
	}

	query := `
		INSERT INTO sessions (id, user_id, token_hash, expires_at, created_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, expires_at`

	err := db.QueryRow(
		query,
		session.ID, session.UserID, session.TokenHash, session.ExpiresAt, session.CreatedAt,
		StringToNullString(session.UserAgent), StringToNullString(session.IPAddress),
	).Scan(&session.ID, &session.CreatedAt, &session.ExpiresAt)

	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}

	return session, nil
}

// GetSessionByToken retrieves a non-expired session by its token hash.
func (db *DB) GetSessionByToken(tokenHash string) (*models.UserSession, error) {
	session := &models.UserSession{}
	var userAgent, ipAddress sql.NullString

	query := `
		SELECT id, user_id, token_hash, expires_at, created_at, user_agent, ip_address
		FROM sessions
		WHERE token_hash = $1 AND expires_at > now()`

	err := db.QueryRow(query, tokenHash).Scan(
		&session.ID, &session.UserID, &session.TokenHash, &session.ExpiresAt, &session.CreatedAt,
		&userAgent, &ipAddress,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrUnauthorized, "invalid or expired session")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}

	session.UserAgent = NullStringToString(userAgent)
	session.IPAddress = NullStringToString(ipAddress)

	return session, nil
}

// DeleteSession deletes a session (used for logout).
func (db *DB) DeleteSession(tokenHash string) error {
	result, err := db.Exec(`DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return requireRowsAffected(result)
}

// DeleteUserSessions deletes all sessions for a user.
func (db *DB) DeleteUserSessions(userID uuid.UUID) error {
	_, err := db.Exec(`DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return nil
}

// ExtendSession pushes a session's expiry out by the given duration.
func (db *DB) ExtendSession(tokenHash string, duration time.Duration) error {
	query := `
		UPDATE sessions
		SET expires_at = now() + ($2 || ' seconds')::interval
		WHERE token_hash = $1 AND expires_at > now()`

	result, err := db.Exec(query, tokenHash, int64(duration.Seconds()))
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return requireRowsAffected(result)
}

// GetUserActiveSessions retrieves all active sessions for a user.
func (db *DB) GetUserActiveSessions(userID uuid.UUID) ([]models.UserSession, error) {
	sessions := []models.UserSession{}

	query := `
		SELECT id, user_id, token_hash, expires_at, created_at, user_agent, ip_address
		FROM sessions
		WHERE user_id = $1 AND expires_at > now()
		ORDER BY created_at DESC`

	rows, err := db.Query(query, userID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	defer rows.Close()

	for rows.Next() {
		var session models.UserSession
		var userAgent, ipAddress sql.NullString

		err := rows.Scan(
			&session.ID, &session.UserID, &session.TokenHash, &session.ExpiresAt, &session.CreatedAt,
			&userAgent, &ipAddress,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
		}

		session.UserAgent = NullStringToString(userAgent)
		session.IPAddress = NullStringToString(ipAddress)
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}

	return sessions, nil
}

// CleanupExpiredSessionsForUser removes expired sessions for a specific user.
func (db *DB) CleanupExpiredSessionsForUser(userID uuid.UUID) error {
	_, err := db.Exec(`DELETE FROM sessions WHERE user_id = $1 AND expires_at < now()`, userID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return nil
}
