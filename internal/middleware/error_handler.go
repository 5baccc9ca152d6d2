package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/models"
)

// WriteError writes a structured ErrorResponse for err, logging it with the
// request's method/path/request-id first. Handlers call this directly
// instead of returning an error up a chain, matching the enriching
// example's direct-response handler idiom.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := RequestIDFromContext(r.Context())

	slog.Error("request failed",
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", requestID,
	)

	appErr, ok := apperr.Is(err)
	if !ok {
		appErr = apperr.Wrap(err, apperr.ErrInternalServer)
	}
	appErr.RequestID = requestID

	writeJSON(w, appErr.StatusCode(), models.ErrorResponse{
		Error:     string(appErr.Code),
		Message:   appErr.Message,
		Code:      appErr.StatusCode(),
		Timestamp: appErr.Timestamp,
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Recoverer converts a panic in a downstream handler into a 500 response
// instead of crashing the connection, logging the stack trace.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic recovered",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{
					Error:     string(apperr.ErrInternalServer),
					Message:   "an unexpected error occurred",
					Code:      http.StatusInternalServerError,
					Timestamp: time.Now(),
					RequestID: RequestIDFromContext(r.Context()),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
