package errtranslate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"chatdf/backend/internal/apperr"
)

func TestToUserMessage_KnownCode(t *testing.T) {
	err := apperr.New(apperr.ErrNetwork, "dial tcp: connection refused")

	msg, detail := ToUserMessage(err)

	assert.Equal(t, "Could not reach the dataset source. Check the URL and try again.", msg)
	assert.Contains(t, detail, "connection refused")
}

func TestToUserMessage_UnknownError(t *testing.T) {
	msg, detail := ToUserMessage(errors.New("boom"))

	assert.Equal(t, "Something went wrong while processing your request.", msg)
	assert.Equal(t, "boom", detail)
}

func TestToUserMessage_ValidationPassesMessageThrough(t *testing.T) {
	err := apperr.New(apperr.ErrValidationFailed, "title must be 1-100 characters")

	msg, _ := ToUserMessage(err)

	assert.Equal(t, "title must be 1-100 characters", msg)
}

func TestIsRetryableSQLError(t *testing.T) {
	assert.True(t, IsRetryableSQLError(apperr.New(apperr.ErrSQL, "syntax error")))
	assert.False(t, IsRetryableSQLError(apperr.New(apperr.ErrTimeout, "timed out")))
	assert.False(t, IsRetryableSQLError(errors.New("not an apperr")))
}
