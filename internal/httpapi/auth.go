package httpapi

import (
	"net/http"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/auth"
	appmiddleware "chatdf/backend/internal/middleware"
	"chatdf/backend/internal/models"
	"chatdf/backend/internal/validation"
)

func (a *api) handleSignup(w http.ResponseWriter, r *http.Request) {
	var signup models.UserSignup
	if err := decodeJSON(r, &signup); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if err := validation.ValidateStruct(&signup); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	user, err := a.Auth.SignupUser(&signup)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	_, token, err := a.Auth.LoginUser(&models.UserCredentials{Email: signup.Email, Password: signup.Password}, r.UserAgent(), r.RemoteAddr)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.AuthResponse{
		User: models.UserProfile{
			ID: user.ID, Email: user.Email, FullName: user.FullName,
			CreatedAt: user.CreatedAt, UpdatedAt: user.UpdatedAt,
		},
		Token: token,
	})
}

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	var credentials models.UserCredentials
	if err := decodeJSON(r, &credentials); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if err := validation.ValidateStruct(&credentials); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	user, token, err := a.Auth.LoginUser(&credentials, r.UserAgent(), r.RemoteAddr)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.AuthResponse{
		User: models.UserProfile{
			ID: user.ID, Email: user.Email, FullName: user.FullName,
			CreatedAt: user.CreatedAt, UpdatedAt: user.UpdatedAt, LastLogin: user.LastLogin,
		},
		Token: token,
	})
}

func (a *api) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, err := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	if err := a.Auth.LogoutUser(token); err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		appmiddleware.WriteError(w, r, apperr.New(apperr.ErrUnauthorized, "not authenticated"))
		return
	}
	profile, err := a.Auth.GetUserProfile(user.ID)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
