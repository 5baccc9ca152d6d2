package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/models"
)

type contextKey string

const userContextKey contextKey = "user"

// RequireAuth is net/http middleware that rejects requests without a valid
// bearer session token and stashes the resolved user on the request context.
func RequireAuth(authService *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				writeAuthError(w, err)
				return
			}

			user, err := authService.ValidateSession(token)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext retrieves the authenticated user stashed by RequireAuth.
func UserFromContext(ctx context.Context) (*models.User, error) {
	user, ok := ctx.Value(userContextKey).(*models.User)
	if !ok || user == nil {
		return nil, apperr.New(apperr.ErrUnauthorized, "user not authenticated")
	}
	return user, nil
}

func writeAuthError(w http.ResponseWriter, err error) {
	if appErr, ok := apperr.Is(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(appErr.StatusCode())
		json.NewEncoder(w).Encode(appErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(apperr.New(apperr.ErrUnauthorized, "authentication required"))
}
