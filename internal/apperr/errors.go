// Package apperr provides a standardized error taxonomy shared across the
// REST surface, the orchestration engine, and the worker pool.
package apperr

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	// validation — input-shape or policy violation
	ErrBadRequest       ErrorCode = "BAD_REQUEST"
	ErrValidationFailed ErrorCode = "VALIDATION_ERROR"
	ErrInvalidURL       ErrorCode = "INVALID_URL"

	// authentication / authorization
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"

	// not found
	ErrConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	ErrDatasetNotFound      ErrorCode = "DATASET_NOT_FOUND"
	ErrMessageNotFound      ErrorCode = "MESSAGE_NOT_FOUND"
	ErrResourceNotFound     ErrorCode = "RESOURCE_NOT_FOUND"

	// conflict
	ErrConflict          ErrorCode = "CONFLICT"
	ErrDuplicateDataset  ErrorCode = "DUPLICATE_DATASET"
	ErrTooManyDatasets   ErrorCode = "TOO_MANY_DATASETS"

	// rate-limit
	ErrRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrLLMBusy           ErrorCode = "LLM_SERVICE_BUSY"

	// query engine taxonomy
	ErrNetwork ErrorCode = "NETWORK_ERROR"
	ErrSQL     ErrorCode = "SQL_ERROR"
	ErrTimeout ErrorCode = "TIMEOUT"

	// server errors
	ErrInternalServer     ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrCacheError         ErrorCode = "CACHE_ERROR"
	ErrMissingEnvVar      ErrorCode = "MISSING_ENV_VAR"
	ErrInvalidConfig      ErrorCode = "INVALID_CONFIGURATION"
)

// StatusCodes maps each ErrorCode to its HTTP status.
var StatusCodes = map[ErrorCode]int{
	ErrBadRequest:       http.StatusBadRequest,
	ErrValidationFailed: http.StatusBadRequest,
	ErrInvalidURL:       http.StatusBadRequest,

	ErrUnauthorized: http.StatusUnauthorized,
	ErrForbidden:    http.StatusForbidden,

	ErrConversationNotFound: http.StatusNotFound,
	ErrDatasetNotFound:      http.StatusNotFound,
	ErrMessageNotFound:      http.StatusNotFound,
	ErrResourceNotFound:     http.StatusNotFound,

	ErrConflict:         http.StatusConflict,
	ErrDuplicateDataset: http.StatusConflict,
	ErrTooManyDatasets:  http.StatusUnprocessableEntity,

	ErrRateLimitExceeded: http.StatusTooManyRequests,
	ErrLLMBusy:           http.StatusTooManyRequests,

	ErrNetwork: http.StatusBadGateway,
	ErrSQL:     http.StatusUnprocessableEntity,
	ErrTimeout: http.StatusGatewayTimeout,

	ErrInternalServer: http.StatusInternalServerError,
	ErrDatabaseError:  http.StatusInternalServerError,
	ErrCacheError:      http.StatusInternalServerError,
	ErrMissingEnvVar:  http.StatusInternalServerError,
	ErrInvalidConfig:  http.StatusInternalServerError,
}

// Kind groups error codes into the semantic taxonomy used by the worker
// pool and the error translator: validation, network, sql, timeout,
// rate-limit, conflict, not-found, unauthorized, internal.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNetwork      Kind = "network"
	KindSQL          Kind = "sql"
	KindTimeout      Kind = "timeout"
	KindRateLimit    Kind = "rate-limit"
	KindConflict     Kind = "conflict"
	KindNotFound     Kind = "not-found"
	KindUnauthorized Kind = "unauthorized"
	KindInternal     Kind = "internal"
)

// AppError is a structured application error carrying a code, a
// user-facing message, and optional technical details.
type AppError struct {
	Code      ErrorCode   `json:"error"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StatusCode returns the HTTP status code for this error.
func (e *AppError) StatusCode() int {
	if code, ok := StatusCodes[e.Code]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Timestamp: time.Now()}
}

// NewWithDetails creates a new AppError carrying additional context.
func NewWithDetails(code ErrorCode, message string, details interface{}) *AppError {
	return &AppError{Code: code, Message: message, Details: details, Timestamp: time.Now()}
}

// WithRequestID attaches a request id for tracing.
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// Wrap converts any error into an AppError, preserving one if already typed.
func Wrap(err error, code ErrorCode) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(code, err.Error())
}

// Is reports whether err is an AppError and returns it.
func Is(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}
