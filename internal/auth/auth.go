package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/database"
	"chatdf/backend/internal/models"
)

const (
	sessionLifetime      = 7 * 24 * time.Hour
	sessionExtendWithin  = 12 * time.Hour
)

// Service handles password hashing, session issuance, and session
// validation against the database layer.
type Service struct {
	db *database.DB
}

// NewService builds an auth Service bound to a database connection.
func NewService(db *database.DB) *Service {
	return &Service{db: db}
}

// HashPassword hashes a plain text password using bcrypt.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Wrap(err, apperr.ErrInternalServer)
	}
	return string(bytes), nil
}

// CheckPasswordHash compares a plain text password with a bcrypt hash.
func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateSessionToken generates a secure random bearer token.
func GenerateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Wrap(err, apperr.ErrInternalServer)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HashToken hashes a bearer token for at-rest storage.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// SignupUser creates a new user account.
func (s *Service) SignupUser(signup *models.UserSignup) (*models.User, error) {
	signup.Email = strings.TrimSpace(strings.ToLower(signup.Email))

	exists, err := s.db.CheckEmailExists(signup.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperr.New(apperr.ErrValidationFailed, "email already registered")
	}

	passwordHash, err := HashPassword(signup.Password)
	if err != nil {
		return nil, err
	}

	return s.db.CreateUser(signup, passwordHash)
}

// LoginUser authenticates a user and issues a new session token.
func (s *Service) LoginUser(credentials *models.UserCredentials, userAgent, ipAddress string) (*models.User, string, error) {
	credentials.Email = strings.TrimSpace(strings.ToLower(credentials.Email))

	userID, passwordHash, err := s.db.GetUserPasswordHash(credentials.Email)
	if err != nil {
		return nil, "", err
	}

	if !CheckPasswordHash(credentials.Password, passwordHash) {
		return nil, "", apperr.New(apperr.ErrUnauthorized, "invalid credentials")
	}

	user, err := s.db.GetUserByID(userID)
	if err != nil {
		return nil, "", err
	}

	token, err := GenerateSessionToken()
	if err != nil {
		return nil, "", err
	}

	if _, err := s.db.CreateSession(user.ID, HashToken(token), userAgent, ipAddress, sessionLifetime); err != nil {
		return nil, "", err
	}

	if err := s.db.UpdateLastLogin(user.ID); err != nil {
		// non-critical: last_login is advisory, login should still succeed
		_ = err
	}

	return user, token, nil
}

// LogoutUser deletes a single session.
func (s *Service) LogoutUser(token string) error {
	return s.db.DeleteSession(HashToken(token))
}

// LogoutAllSessions deletes every session belonging to a user.
func (s *Service) LogoutAllSessions(userID uuid.UUID) error {
	return s.db.DeleteUserSessions(userID)
}

// ValidateSession resolves a bearer token to its owning, still-active user,
// extending the session's expiry when it's close to lapsing.
func (s *Service) ValidateSession(token string) (*models.User, error) {
	tokenHash := HashToken(token)

	session, err := s.db.GetSessionByToken(tokenHash)
	if err != nil {
		return nil, err
	}

	if session.ExpiresAt.Before(time.Now()) {
		s.db.DeleteSession(tokenHash)
		return nil, apperr.New(apperr.ErrUnauthorized, "session expired")
	}

	user, err := s.db.GetUserByID(session.UserID)
	if err != nil {
		return nil, err
	}

	if !user.IsActive {
		return nil, apperr.New(apperr.ErrForbidden, "account deactivated")
	}

	if time.Until(session.ExpiresAt) < sessionExtendWithin {
		s.db.ExtendSession(tokenHash, sessionLifetime)
	}

	return user, nil
}

// UpdateUserProfile patches a user's profile fields.
func (s *Service) UpdateUserProfile(userID uuid.UUID, update *models.UserUpdate) error {
	return s.db.UpdateUser(userID, update)
}

// GetUserProfile returns the public projection of a user.
func (s *Service) GetUserProfile(userID uuid.UUID) (*models.UserProfile, error) {
	user, err := s.db.GetUserByID(userID)
	if err != nil {
		return nil, err
	}

	return &models.UserProfile{
		ID:        user.ID,
		Email:     user.Email,
		FullName:  user.FullName,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
		LastLogin: user.LastLogin,
	}, nil
}

// ExtractBearerToken pulls the token out of an Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", apperr.New(apperr.ErrUnauthorized, "missing authorization header")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", apperr.New(apperr.ErrUnauthorized, "invalid authorization header format")
	}

	return parts[1], nil
}
