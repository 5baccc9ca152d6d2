// Package errtranslate turns worker-pool and LLM-vendor errors into the
// user-facing prose shown in a "ce" chat-error event, while preserving
// the technical detail for logs and the "d" field.
package errtranslate

import (
	"fmt"

	"chatdf/backend/internal/apperr"
)

// ToUserMessage renders err as a short, non-technical sentence suitable
// for direct display, with the raw error appended as a technical detail.
func ToUserMessage(err error) (message string, detail string) {
	appErr, ok := apperr.Is(err)
	if !ok {
		return "Something went wrong while processing your request.", err.Error()
	}

	detail = fmt.Sprintf("Technical details: %s", appErr.Message)

	switch appErr.Code {
	case apperr.ErrNetwork:
		return "Could not reach the dataset source. Check the URL and try again.", detail
	case apperr.ErrSQL:
		return "The generated SQL query failed to run against your data.", detail
	case apperr.ErrTimeout:
		return "The operation took too long and was cancelled.", detail
	case apperr.ErrRateLimitExceeded:
		return "You've used your available token budget for today.", detail
	case apperr.ErrLLMBusy:
		return "AI service is temporarily busy, please try again shortly.", detail
	case apperr.ErrConflict:
		return "Another response is already being generated for this conversation.", detail
	case apperr.ErrConversationNotFound, apperr.ErrDatasetNotFound, apperr.ErrMessageNotFound, apperr.ErrResourceNotFound:
		return "The requested resource could not be found.", detail
	case apperr.ErrUnauthorized, apperr.ErrForbidden:
		return "You don't have access to this resource.", detail
	case apperr.ErrDuplicateDataset:
		return "This dataset is already loaded into the conversation.", detail
	case apperr.ErrTooManyDatasets:
		return "This conversation has reached its dataset limit.", detail
	case apperr.ErrInvalidURL, apperr.ErrValidationFailed, apperr.ErrBadRequest:
		return appErr.Message, detail
	default:
		return "An internal error occurred while processing your request.", detail
	}
}

// IsRetryableSQLError reports whether a SQL tool-call failure should be
// fed back to the model for another attempt rather than surfaced as a
// terminal chat error.
func IsRetryableSQLError(err error) bool {
	appErr, ok := apperr.Is(err)
	if !ok {
		return false
	}
	return appErr.Code == apperr.ErrSQL
}
