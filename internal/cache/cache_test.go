package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey_StableAcrossURLOrder(t *testing.T) {
	k1 := GenerateKey("SELECT 1", []string{"https://a", "https://b"})
	k2 := GenerateKey("  SELECT 1  ", []string{"https://b", "https://a"})

	assert.Equal(t, k1, k2)
}

func TestGenerateKey_DifferentSQLDiffers(t *testing.T) {
	k1 := GenerateKey("SELECT 1", nil)
	k2 := GenerateKey("SELECT 2", nil)

	assert.NotEqual(t, k1, k2)
}

func TestMemoryCache_SetGetMiss(t *testing.T) {
	mc, err := NewMemoryCache(10)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := mc.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := &Entry{Columns: []string{"id"}, RowsJSON: []byte(`[{"id":1}]`), RowCount: 1, CachedAt: time.Now()}
	require.NoError(t, mc.Set(ctx, "k1", entry, time.Minute))

	got, ok, err := mc.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.Columns, got.Columns)
}

func TestMemoryCache_ExpiresAfterTTL(t *testing.T) {
	mc, err := NewMemoryCache(10)
	require.NoError(t, err)
	ctx := context.Background()

	entry := &Entry{Columns: []string{"id"}, RowsJSON: []byte(`[]`)}
	require.NoError(t, mc.Set(ctx, "k1", entry, time.Nanosecond))

	time.Sleep(time.Millisecond)

	_, ok, err := mc.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_Delete(t *testing.T) {
	mc, err := NewMemoryCache(10)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, mc.Set(ctx, "k1", &Entry{}, time.Minute))
	require.NoError(t, mc.Delete(ctx, "k1"))

	_, ok, err := mc.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}
