// Package queryengine wires DuckDB as the columnar SQL engine behind
// dataset validation, schema extraction, column profiling, and query
// execution. Every operation resolves a dataset URL — either a cached
// local path or a direct httpfs read — before registering it as a view
// and running a bounded aggregation query against it.
package queryengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/dnscache"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/filecache"
)

const sampleThreshold = 100_000

func newValidationError(msg string) error {
	return apperr.New(apperr.ErrInvalidURL, msg)
}

// Engine owns one DuckDB connection pool and the file cache that backs
// its local reads of remote datasets.
type Engine struct {
	db           *sql.DB
	files        *filecache.Cache
	resolver     *dnscache.Resolver
	allowPrivate bool
}

// New opens an in-memory DuckDB database with httpfs enabled for direct
// remote reads, falling back to the file cache when direct access fails.
func New(files *filecache.Cache, resolver *dnscache.Resolver, allowPrivate bool) (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if _, err := db.Exec(`INSTALL httpfs; LOAD httpfs;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("load httpfs extension: %w", err)
	}
	return &Engine{db: db, files: files, resolver: resolver, allowPrivate: allowPrivate}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

// localOrRemote resolves a dataset URL to the expression DuckDB should
// read from: either the httpfs URL directly, or a cached local path
// when direct access is rejected (common for hosts that refuse HEAD/
// range requests httpfs needs).
func (e *Engine) localOrRemote(ctx context.Context, rawURL string) (string, error) {
	resolved, isLocal := resolveURL(rawURL)
	if isLocal {
		return resolved, nil
	}

	if err := validateURLSafety(ctx, e.resolver, rawURL, e.allowPrivate); err != nil {
		return "", err
	}

	if probeErr := e.db.QueryRowContext(ctx, "SELECT 1 FROM "+readExpr(rawURL)+" LIMIT 1").Scan(new(int)); probeErr != nil {
		cached, err := e.files.DownloadAndCache(ctx, rawURL)
		if err != nil {
			return "", apperr.New(apperr.ErrNetwork, fmt.Sprintf("failed to download data file: %v", err))
		}
		return cached, nil
	}
	return rawURL, nil
}

// ValidateURL checks accessibility and file-format validity without
// registering the dataset for querying.
func (e *Engine) ValidateURL(ctx context.Context, rawURL string) (*URLInfo, error) {
	if _, isLocal := resolveURL(rawURL); !isLocal {
		if err := validateURLSafety(ctx, e.resolver, rawURL, e.allowPrivate); err != nil {
			return nil, err
		}
	}

	path, err := e.localOrRemote(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var count int64
	if err := e.db.QueryRowContext(ctx, "SELECT count(*) FROM "+readExpr(path)+" LIMIT 1").Scan(&count); err != nil {
		if isCSV(path) {
			return nil, apperr.New(apperr.ErrValidationFailed, "CSV file is empty or unreadable")
		}
		return nil, apperr.New(apperr.ErrValidationFailed, "not a valid parquet file")
	}
	return &URLInfo{}, nil
}

// GetSchema extracts column names/types, up to 5 sample values per
// column, and lightweight per-column statistics.
func (e *Engine) GetSchema(ctx context.Context, rawURL string) (*Schema, error) {
	path, err := e.localOrRemote(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	expr := readExpr(path)

	rows, err := e.db.QueryContext(ctx, "DESCRIBE SELECT * FROM "+expr)
	if err != nil {
		return nil, apperr.New(apperr.ErrSQL, fmt.Sprintf("failed to extract schema: %v", err))
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var name, colType, null, key, def, extra sql.NullString
		if err := rows.Scan(&name, &colType, &null, &key, &def, &extra); err != nil {
			return nil, apperr.New(apperr.ErrSQL, fmt.Sprintf("failed to read schema row: %v", err))
		}
		columns = append(columns, Column{Name: name.String, Type: colType.String})
	}

	var rowCount int64
	if err := e.db.QueryRowContext(ctx, "SELECT count(*) FROM "+expr).Scan(&rowCount); err != nil {
		return nil, apperr.New(apperr.ErrSQL, fmt.Sprintf("failed to count rows: %v", err))
	}

	e.collectSampleValues(ctx, expr, columns)
	e.collectColumnStats(ctx, expr, columns)

	return &Schema{Columns: columns, RowCount: rowCount}, nil
}

func (e *Engine) collectSampleValues(ctx context.Context, expr string, columns []Column) {
	for i := range columns {
		col := columns[i].Name
		q := fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL LIMIT 5`, quoteIdent(col), expr, quoteIdent(col))
		rows, err := e.db.QueryContext(ctx, q)
		if err != nil {
			continue
		}
		var samples []string
		for rows.Next() {
			var v any
			if err := rows.Scan(&v); err == nil {
				s := fmt.Sprintf("%v", v)
				if len(s) > 80 {
					s = s[:77] + "..."
				}
				samples = append(samples, s)
			}
		}
		rows.Close()
		columns[i].SampleValues = samples
	}
}

func (e *Engine) collectColumnStats(ctx context.Context, expr string, columns []Column) {
	for i := range columns {
		col := columns[i].Name
		ident := quoteIdent(col)
		var nullCount int64
		_ = e.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) - count(%s) FROM %s`, ident, expr)).Scan(&nullCount)
		if nullCount > 0 {
			nc := nullCount
			columns[i].Stats.NullCount = &nc
		}

		if isNumericType(columns[i].Type) {
			var min, max sql.NullFloat64
			if err := e.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT min(%s), max(%s) FROM %s`, ident, ident, expr)).Scan(&min, &max); err == nil {
				if min.Valid {
					v := min.Float64
					columns[i].Stats.Min = &v
				}
				if max.Valid {
					v := max.Float64
					columns[i].Stats.Max = &v
				}
			}
		} else if isStringType(columns[i].Type) {
			var unique int64
			if err := e.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(DISTINCT %s) FROM %s`, ident, expr)).Scan(&unique); err == nil {
				columns[i].Stats.UniqueCount = &unique
			}
		}
	}
}

// ProfileColumns computes null%, distinct count, and type-specific
// statistics for every column, sampling the first 100k rows for large
// datasets.
func (e *Engine) ProfileColumns(ctx context.Context, rawURL string) (*Profile, error) {
	path, err := e.localOrRemote(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	schema, err := e.GetSchema(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	expr := fmt.Sprintf("(SELECT * FROM %s LIMIT %d)", readExpr(path), sampleThreshold)

	var total int64
	if err := e.db.QueryRowContext(ctx, "SELECT count(*) FROM "+expr).Scan(&total); err != nil {
		return nil, apperr.New(apperr.ErrSQL, fmt.Sprintf("failed to profile columns: %v", err))
	}

	var dists []ColumnDistribution
	for _, col := range schema.Columns {
		ident := quoteIdent(col.Name)
		var nullCount, unique int64
		_ = e.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) - count(%s), count(DISTINCT %s) FROM %s`, ident, ident, expr)).Scan(&nullCount, &unique)

		dist := ColumnDistribution{Name: col.Name, NullCount: nullCount, UniqueCount: unique}
		if total > 0 {
			dist.NullPercent = round1(float64(nullCount) / float64(total) * 100)
		}

		if isNumericType(col.Type) {
			var min, max sql.NullFloat64
			if err := e.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT min(%s), max(%s) FROM %s`, ident, ident, expr)).Scan(&min, &max); err == nil {
				if min.Valid {
					v := min.Float64
					dist.Min = &v
				}
				if max.Valid {
					v := max.Float64
					dist.Max = &v
				}
			}
		} else if isStringType(col.Type) {
			var minLen, maxLen sql.NullInt64
			q := fmt.Sprintf(`SELECT min(length(%s)), max(length(%s)) FROM %s WHERE %s IS NOT NULL`, ident, ident, expr, ident)
			if err := e.db.QueryRowContext(ctx, q).Scan(&minLen, &maxLen); err == nil {
				if minLen.Valid {
					v := int(minLen.Int64)
					dist.MinLength = &v
				}
				if maxLen.Valid {
					v := int(maxLen.Int64)
					dist.MaxLength = &v
				}
			}
		}
		dists = append(dists, dist)
	}

	return &Profile{Columns: dists}, nil
}

// ProfileColumn computes a detailed profile for one column.
func (e *Engine) ProfileColumn(ctx context.Context, rawURL, column string) (*ColumnProfile, error) {
	path, err := e.localOrRemote(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	schema, err := e.GetSchema(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var colType string
	for _, c := range schema.Columns {
		if c.Name == column {
			colType = c.Type
		}
	}

	expr := readExpr(path)
	ident := quoteIdent(column)
	profile := &ColumnProfile{}

	if isNumericType(colType) {
		q := fmt.Sprintf(`SELECT min(%s), max(%s), avg(%s), median(%s), count(*) - count(%s), count(DISTINCT %s) FROM %s`,
			ident, ident, ident, ident, ident, ident, expr)
		var min, max, mean, median sql.NullFloat64
		if err := e.db.QueryRowContext(ctx, q).Scan(&min, &max, &mean, &median, &profile.NullCount, &profile.DistinctCount); err != nil {
			return nil, apperr.New(apperr.ErrSQL, fmt.Sprintf("failed to profile column: %v", err))
		}
		if min.Valid {
			profile.Min = &min.Float64
		}
		if max.Valid {
			profile.Max = &max.Float64
		}
		if mean.Valid {
			m := round4(mean.Float64)
			profile.Mean = &m
		}
		if median.Valid {
			profile.Median = &median.Float64
		}
		return profile, nil
	}

	if isStringType(colType) {
		q := fmt.Sprintf(`SELECT count(*) - count(%s), count(DISTINCT %s), min(length(%s)), max(length(%s)) FROM %s WHERE 1=1`,
			ident, ident, ident, ident, expr)
		var minLen, maxLen sql.NullInt64
		if err := e.db.QueryRowContext(ctx, q).Scan(&profile.NullCount, &profile.DistinctCount, &minLen, &maxLen); err != nil {
			return nil, apperr.New(apperr.ErrSQL, fmt.Sprintf("failed to profile column: %v", err))
		}
		if minLen.Valid {
			v := int(minLen.Int64)
			profile.MinLength = &v
		}
		if maxLen.Valid {
			v := int(maxLen.Int64)
			profile.MaxLength = &v
		}

		topQ := fmt.Sprintf(`SELECT %s, count(*) AS c FROM %s WHERE %s IS NOT NULL GROUP BY %s ORDER BY c DESC LIMIT 5`,
			ident, expr, ident, ident)
		rows, err := e.db.QueryContext(ctx, topQ)
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var v string
				var c int64
				if err := rows.Scan(&v, &c); err == nil {
					profile.TopValues = append(profile.TopValues, ValueCount{Value: v, Count: c})
				}
			}
		}
		return profile, nil
	}

	q := fmt.Sprintf(`SELECT count(*) - count(%s), count(DISTINCT %s) FROM %s`, ident, ident, expr)
	if err := e.db.QueryRowContext(ctx, q).Scan(&profile.NullCount, &profile.DistinctCount); err != nil {
		return nil, apperr.New(apperr.ErrSQL, fmt.Sprintf("failed to profile column: %v", err))
	}
	return profile, nil
}

// RunQuery registers every dataset under its table name and executes
// sqlText against them, auto-limiting unbounded SELECTs.
func (e *Engine) RunQuery(ctx context.Context, sqlText string, refs []DatasetRef) (*Result, error) {
	start := time.Now()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.New(apperr.ErrSQL, fmt.Sprintf("SQL execution error: %v", err))
	}
	defer tx.Rollback()

	for _, ref := range refs {
		path, err := e.localOrRemote(ctx, ref.URL)
		if err != nil {
			return nil, err
		}
		viewSQL := fmt.Sprintf("CREATE OR REPLACE TEMP VIEW %s AS SELECT * FROM %s", quoteIdent(ref.TableName), readExpr(path))
		if _, err := tx.ExecContext(ctx, viewSQL); err != nil {
			return &Result{ExecutionTimeMs: elapsedMs(start)}, apperr.New(apperr.ErrSQL, fmt.Sprintf("SQL execution error: %v", err))
		}
	}

	effective, limitApplied := withAutoLimit(sqlText, MaxQueryRows)

	rows, err := tx.QueryContext(ctx, effective)
	if err != nil {
		return &Result{ExecutionTimeMs: elapsedMs(start)}, apperr.New(apperr.ErrSQL, fmt.Sprintf("SQL execution error: %v", err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return &Result{ExecutionTimeMs: elapsedMs(start)}, apperr.New(apperr.ErrSQL, fmt.Sprintf("SQL execution error: %v", err))
	}

	var allRows []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return &Result{ExecutionTimeMs: elapsedMs(start)}, apperr.New(apperr.ErrSQL, fmt.Sprintf("SQL execution error: %v", err))
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		allRows = append(allRows, row)
	}

	totalRows := int64(len(allRows))
	truncated := allRows
	if len(truncated) > MaxResultRows {
		truncated = truncated[:MaxResultRows]
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.New(apperr.ErrSQL, fmt.Sprintf("SQL execution error: %v", err))
	}

	return &Result{
		Columns:         cols,
		Rows:            truncated,
		TotalRows:       totalRows,
		ExecutionTimeMs: elapsedMs(start),
		LimitApplied:    limitApplied,
	}, nil
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}

func round4(f float64) float64 {
	return float64(int(f*10000+0.5)) / 10000
}

func isNumericType(t string) bool {
	upper := strings.ToUpper(t)
	for _, prefix := range []string{"INT", "BIGINT", "SMALLINT", "TINYINT", "HUGEINT", "FLOAT", "DOUBLE", "DECIMAL", "REAL"} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

func isStringType(t string) bool {
	upper := strings.ToUpper(t)
	return strings.HasPrefix(upper, "VARCHAR") || strings.HasPrefix(upper, "TEXT") || upper == "STRING"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
