package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateChatMessage(t *testing.T) {
	assert.NoError(t, ValidateChatMessage("what's the average order size?"))
	assert.Error(t, ValidateChatMessage(""))
	assert.Error(t, ValidateChatMessage("   "))

	over := make([]byte, 4001)
	for i := range over {
		over[i] = 'a'
	}
	assert.Error(t, ValidateChatMessage(string(over)))
}

func TestValidateDatasetURL(t *testing.T) {
	cases := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/data.parquet", false},
		{"http://example.com/data.csv", false},
		{"file:///tmp/upload.parquet", false},
		{"", true},
		{"ftp://example.com/data.csv", true},
		{"not-a-url", true},
		{"https://", true},
	}

	for _, c := range cases {
		err := ValidateDatasetURL(c.url)
		if c.wantErr {
			assert.Errorf(t, err, "expected error for url %q", c.url)
		} else {
			assert.NoErrorf(t, err, "expected no error for url %q", c.url)
		}
	}
}

func TestValidatePagination(t *testing.T) {
	assert.NoError(t, ValidatePagination(50, 0))
	assert.Error(t, ValidatePagination(-1, 0))
	assert.Error(t, ValidatePagination(101, 0))
	assert.Error(t, ValidatePagination(10, -1))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello world", SanitizeString("  hello world  "))
	assert.Equal(t, "line1\nline2", SanitizeString("line1\nline2"))
	assert.Equal(t, "ab", SanitizeString("a\x00b"))
}
