package database

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/models"
)

// CreateUser inserts a new user row.
func (db *DB) CreateUser(signup *models.UserSignup, passwordHash string) (*models.User, error) {
	newUser := &models.User{
		ID:        uuid.New(),
		Email:     signup.Email,
		FullName:  signup.FullName,
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	query := `
		INSERT INTO users (id, email, password_hash, full_name, created_at, updated_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := db.QueryRow(
		query,
		newUser.ID, newUser.Email, passwordHash, newUser.FullName,
		newUser.CreatedAt, newUser.UpdatedAt, newUser.IsActive,
	).Scan(&newUser.ID, &newUser.CreatedAt, &newUser.UpdatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key value") {
			return nil, apperr.New(apperr.ErrValidationFailed, "email already exists")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}

	return newUser, nil
}

func (db *DB) GetUserByEmail(email string) (*models.User, error) {
	user := &models.User{}
	var lastLogin sql.NullTime

	query := `
		SELECT id, email, full_name, created_at, updated_at, last_login, is_active
		FROM users WHERE email = $1`

	err := db.QueryRow(query, email).Scan(
		&user.ID, &user.Email, &user.FullName, &user.CreatedAt, &user.UpdatedAt, &lastLogin, &user.IsActive,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrResourceNotFound, "user not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}

	user.LastLogin = NullTimeToTime(lastLogin)
	return user, nil
}

func (db *DB) GetUserByID(userID uuid.UUID) (*models.User, error) {
	user := &models.User{}
	var lastLogin sql.NullTime

	query := `
		SELECT id, email, full_name, created_at, updated_at, last_login, is_active
		FROM users WHERE id = $1`

	err := db.QueryRow(query, userID).Scan(
		&user.ID, &user.Email, &user.FullName, &user.CreatedAt, &user.UpdatedAt, &lastLogin, &user.IsActive,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.ErrResourceNotFound, "user not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}

	user.LastLogin = NullTimeToTime(lastLogin)
	return user, nil
}

func (db *DB) GetUserPasswordHash(email string) (uuid.UUID, string, error) {
	var userID uuid.UUID
	var passwordHash string

	query := `SELECT id, password_hash FROM users WHERE email = $1 AND is_active = true`
	if err := db.QueryRow(query, email).Scan(&userID, &passwordHash); err != nil {
		if err == sql.ErrNoRows {
			return uuid.Nil, "", apperr.New(apperr.ErrUnauthorized, "invalid credentials")
		}
		return uuid.Nil, "", apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return userID, passwordHash, nil
}

func (db *DB) UpdateUser(userID uuid.UUID, update *models.UserUpdate) error {
	result, err := db.Exec(`UPDATE users SET full_name = $2, updated_at = now() WHERE id = $1`, userID, update.FullName)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return requireRowsAffected(result)
}

func (db *DB) UpdateLastLogin(userID uuid.UUID) error {
	_, err := db.Exec(`UPDATE users SET last_login = now() WHERE id = $1`, userID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return nil
}

func (db *DB) DeactivateUser(userID uuid.UUID) error {
	result, err := db.Exec(`UPDATE users SET is_active = false, updated_at = now() WHERE id = $1`, userID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return requireRowsAffected(result)
}

func (db *DB) CheckEmailExists(email string) (bool, error) {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return exists, nil
}

func requireRowsAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	if rows == 0 {
		return apperr.New(apperr.ErrResourceNotFound, "resource not found")
	}
	return nil
}
