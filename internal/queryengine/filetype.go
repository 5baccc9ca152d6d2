package queryengine

import "strings"

// isCSV reports whether a path/URL points to a CSV/TSV file.
func isCSV(pathOrURL string) bool {
	lower := strings.ToLower(pathOrURL)
	return strings.HasSuffix(lower, ".csv") || strings.HasSuffix(lower, ".csv.gz") || strings.HasSuffix(lower, ".tsv")
}

// isTSV reports whether a path/URL points to a tab-separated file.
func isTSV(pathOrURL string) bool {
	return strings.HasSuffix(strings.ToLower(pathOrURL), ".tsv")
}

// resolveURL strips a file:// prefix to a local path, or passes an
// http(s) URL through unchanged. It reports whether the result is a
// local path.
func resolveURL(rawURL string) (resolved string, isLocal bool) {
	const filePrefix = "file://"
	if strings.HasPrefix(rawURL, filePrefix) {
		return rawURL[len(filePrefix):], true
	}
	return rawURL, false
}

// readExpr builds the DuckDB table function call that reads pathOrURL
// as the appropriate file format, so it can be spliced directly into a
// CREATE VIEW/SELECT statement.
func readExpr(pathOrURL string) string {
	if isCSV(pathOrURL) {
		delim := ","
		if isTSV(pathOrURL) {
			delim = "\t"
		}
		return "read_csv_auto('" + escapeSQLLiteral(pathOrURL) + "', delim='" + delim + "', sample_size=10000)"
	}
	return "read_parquet('" + escapeSQLLiteral(pathOrURL) + "')"
}

func escapeSQLLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
