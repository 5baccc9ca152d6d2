package validation

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"chatdf/backend/internal/apperr"
)

// Validate is the shared struct-tag validator instance, reused across every
// request handler the way the enriching example's handlers package does.
var Validate = validator.New()

// ValidateStruct runs go-playground/validator against v's `validate` tags
// and translates the first failing field into an AppError.
func ValidateStruct(v interface{}) error {
	if err := Validate.Struct(v); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperr.NewWithDetails(
				apperr.ErrValidationFailed,
				fmt.Sprintf("field %q failed validation: %s", fe.Field(), fe.Tag()),
				map[string]string{"field": fe.Field(), "tag": fe.Tag()},
			)
		}
		return apperr.Wrap(err, apperr.ErrValidationFailed)
	}
	return nil
}

// ValidateChatMessage checks the free-text body of a chat turn.
func ValidateChatMessage(message string) error {
	if strings.TrimSpace(message) == "" {
		return apperr.New(apperr.ErrValidationFailed, "message is required")
	}
	const maxLength = 4000
	if len(message) > maxLength {
		return apperr.NewWithDetails(
			apperr.ErrValidationFailed,
			"message exceeds maximum length",
			map[string]interface{}{"max_length": maxLength, "actual": len(message)},
		)
	}
	return nil
}

// ValidateDatasetURL checks that a dataset URL is well-formed http(s) or
// file://. Safety (SSRF) checks happen separately in the query engine.
func ValidateDatasetURL(urlStr string) error {
	if urlStr == "" {
		return apperr.New(apperr.ErrValidationFailed, "url is required")
	}

	if strings.HasPrefix(urlStr, "file://") {
		return nil
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return apperr.NewWithDetails(apperr.ErrInvalidURL, "invalid URL format", map[string]string{"error": err.Error()})
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return apperr.New(apperr.ErrInvalidURL, "url must use http, https, or file scheme")
	}
	if parsed.Host == "" {
		return apperr.New(apperr.ErrInvalidURL, "url must include a valid host")
	}
	return nil
}

// ValidatePagination bounds limit/offset query parameters.
func ValidatePagination(limit, offset int) error {
	if limit < 0 || limit > 100 {
		return apperr.NewWithDetails(apperr.ErrValidationFailed, "limit must be between 0 and 100", map[string]interface{}{"limit": limit})
	}
	if offset < 0 {
		return apperr.NewWithDetails(apperr.ErrValidationFailed, "offset must be non-negative", map[string]interface{}{"offset": offset})
	}
	return nil
}

// SanitizeString trims whitespace and strips control characters other than
// newline/carriage-return/tab.
func SanitizeString(input string) string {
	input = strings.TrimSpace(input)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, input)
}
