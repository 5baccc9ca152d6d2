package queryengine

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	stringLiteralRe = regexp.MustCompile(`'[^']*'`)
	quotedIdentRe   = regexp.MustCompile(`"[^"]*"`)
	lineCommentRe   = regexp.MustCompile(`(?m)--.*$`)
	blockCommentRe  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	limitWordRe     = regexp.MustCompile(`(?i)\bLIMIT\b`)
)

// hasLimit reports whether sql already contains a LIMIT clause, ignoring
// occurrences inside string literals, quoted identifiers, and comments.
func hasLimit(sqlText string) bool {
	cleaned := stringLiteralRe.ReplaceAllString(sqlText, "")
	cleaned = quotedIdentRe.ReplaceAllString(cleaned, "")
	cleaned = lineCommentRe.ReplaceAllString(cleaned, "")
	cleaned = blockCommentRe.ReplaceAllString(cleaned, "")
	return limitWordRe.MatchString(cleaned)
}

// isSelect reports whether sql is a read-only SELECT/WITH statement
// rather than DDL/DML.
func isSelect(sqlText string) bool {
	stripped := strings.TrimLeft(strings.TrimSpace(sqlText), "(")
	upper := strings.ToUpper(stripped)
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}

// withAutoLimit appends a LIMIT clause to sql when it is a SELECT/WITH
// statement missing one, capping runaway result sets at maxRows. It
// reports whether a limit was injected.
func withAutoLimit(sqlText string, maxRows int) (string, bool) {
	if !isSelect(sqlText) || hasLimit(sqlText) {
		return sqlText, false
	}
	trimmed := strings.TrimRight(strings.TrimSpace(sqlText), ";")
	return trimmed + " LIMIT " + strconv.Itoa(maxRows), true
}
