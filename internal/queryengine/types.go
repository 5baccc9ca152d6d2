package queryengine

import "time"

// URLInfo is the result of validating a dataset source.
type URLInfo struct {
	FileSizeBytes int64
}

// Column describes one column of a dataset's schema, along with a
// handful of sample values and lightweight statistics used to ground
// the model's system prompt.
type Column struct {
	Name         string
	Type         string
	SampleValues []string
	Stats        ColumnStats
}

// ColumnStats holds the handful of summary numbers cheap enough to
// compute in a single aggregation pass over the full dataset.
type ColumnStats struct {
	NullCount    *int64
	Min          *float64
	Max          *float64
	UniqueCount  *int64
}

// Schema is the column list plus row count for a dataset.
type Schema struct {
	Columns  []Column
	RowCount int64
}

// ColumnProfile is the detailed, on-demand profile for a single column.
type ColumnProfile struct {
	Min           *float64
	Max           *float64
	Mean          *float64
	Median        *float64
	MinLength     *int
	MaxLength     *int
	NullCount     int64
	DistinctCount int64
	TopValues     []ValueCount
}

type ValueCount struct {
	Value string
	Count int64
}

// Profile is the dataset-wide per-column profile.
type Profile struct {
	Columns []ColumnDistribution
}

// ColumnDistribution is one column's entry in a dataset-wide profile.
type ColumnDistribution struct {
	Name         string
	NullCount    int64
	NullPercent  float64
	UniqueCount  int64
	Min          *float64
	Max          *float64
	Mean         *float64
	MinLength    *int
	MaxLength    *int
}

// Result is the outcome of executing a SQL query.
type Result struct {
	Columns         []string
	Rows            []map[string]any
	TotalRows       int64
	ExecutionTimeMs float64
	LimitApplied    bool
	Cached          bool
}

// DatasetRef binds a dataset URL to the table name it is registered
// under for a query.
type DatasetRef struct {
	URL       string
	TableName string
}

const (
	MaxResultRows = 1000
	MaxQueryRows  = 10000

	HeadRequestTimeout = 10 * time.Second
	DownloadTimeout    = 300 * time.Second
)
