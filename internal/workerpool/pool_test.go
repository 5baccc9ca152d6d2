package workerpool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatdf/backend/internal/cache"
	"chatdf/backend/internal/queryengine"
)

// fakeCache is a minimal in-memory cache.Cache for exercising RunQuery's
// cache-hit short-circuit without a real engine or DuckDB connection.
type fakeCache struct {
	entries map[string]*cache.Entry
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]*cache.Entry{}}
}

func (f *fakeCache) Get(_ context.Context, key string) (*cache.Entry, bool, error) {
	e, ok := f.entries[key]
	return e, ok, nil
}

func (f *fakeCache) Set(_ context.Context, key string, entry *cache.Entry, _ time.Duration) error {
	f.entries[key] = entry
	f.sets++
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	delete(f.entries, key)
	return nil
}

func (f *fakeCache) Close() error { return nil }

func TestRunQuery_CacheHitSkipsEngine(t *testing.T) {
	refs := []queryengine.DatasetRef{{URL: "https://example.com/a.parquet", TableName: "table1"}}
	key := cache.GenerateKey("SELECT 1", []string{refs[0].URL})

	rowsJSON, err := json.Marshal([]map[string]any{{"n": float64(1)}})
	require.NoError(t, err)

	fc := newFakeCache()
	fc.entries[key] = &cache.Entry{Columns: []string{"n"}, RowsJSON: rowsJSON, RowCount: 1}

	// engine stays nil: RunQuery must never dereference it on a cache hit.
	p := &Pool{cfg: Config{QueryTimeout: time.Second}, engine: nil, cache: fc}

	result, err := p.RunQuery(context.Background(), "SELECT 1", refs)
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, result.Columns)
	assert.Equal(t, int64(1), result.TotalRows)
	assert.True(t, result.Cached, "a cache hit must be reported as cached")
	assert.Equal(t, 0, fc.sets, "a cache hit must not repopulate the cache")
}
