// Package cache implements the two-tier query result cache: an in-memory
// otter tier backed by a persistent Postgres tier. Cache keys are derived
// from the trimmed SQL text and the sorted set of dataset URLs a query
// touched, so identical queries against the same datasets hit regardless
// of which conversation issued them.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
)

// Entry is a cached query result: the column names, the row payload
// (already JSON-encoded by the caller), and bookkeeping for eviction.
type Entry struct {
	Columns  []string
	RowsJSON []byte
	RowCount int
	CachedAt time.Time
}

type memEntry struct {
	value     *Entry
	expiresAt time.Time
}

// Cache is the interface both tiers, and the combined two-tier cache,
// satisfy.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GenerateKey derives the content-addressed cache key for a SQL query
// executed against a set of dataset URLs: SHA-256(trimmed_sql + "|" +
// sorted_urls), hex-encoded.
func GenerateKey(sqlText string, datasetURLs []string) string {
	trimmed := strings.TrimSpace(sqlText)
	sorted := append([]string(nil), datasetURLs...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(trimmed))
	h.Write([]byte("|"))
	h.Write([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryCache is the in-memory tier, backed by otter's size-bounded
// W-TinyLFU cache. It is safe for concurrent use. TTL is tracked per
// entry rather than through otter's writer-expiry calculator, since the
// same cache instance serves entries with caller-supplied TTLs.
type MemoryCache struct {
	store *otter.Cache[string, memEntry]
}

// NewMemoryCache builds an in-memory tier capped at maxEntries.
func NewMemoryCache(maxEntries int) (*MemoryCache, error) {
	store, err := otter.New(&otter.Options[string, memEntry]{
		MaximumSize: maxEntries,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryCache{store: store}, nil
}

func (m *MemoryCache) Get(_ context.Context, key string) (*Entry, bool, error) {
	e, ok := m.store.GetIfPresent(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.store.Invalidate(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.store.Set(key, memEntry{value: entry, expiresAt: expiresAt})
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.store.Invalidate(key)
	return nil
}

func (m *MemoryCache) Close() error {
	return nil
}

// PersistentCache is the Postgres-backed tier. Rows past their TTL are
// treated as misses but are not deleted on read; a cap on table size is
// enforced by evicting the oldest rows once MaxSize is exceeded.
type PersistentCache struct {
	db      *sql.DB
	ttl     time.Duration
	maxSize int
}

func NewPersistentCache(db *sql.DB, ttl time.Duration, maxSize int) *PersistentCache {
	return &PersistentCache{db: db, ttl: ttl, maxSize: maxSize}
}

func (p *PersistentCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT columns, rows_json, row_count, cached_at
		FROM query_results_cache
		WHERE cache_key = $1 AND cached_at > $2`,
		key, time.Now().Add(-p.ttl))

	var entry Entry
	var columns string
	if err := row.Scan(&columns, &entry.RowsJSON, &entry.RowCount, &entry.CachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	entry.Columns = strings.Split(columns, ",")
	return &entry, true, nil
}

func (p *PersistentCache) Set(ctx context.Context, key string, entry *Entry, _ time.Duration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO query_results_cache (cache_key, columns, rows_json, row_count, cached_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (cache_key) DO UPDATE
		SET columns = EXCLUDED.columns,
		    rows_json = EXCLUDED.rows_json,
		    row_count = EXCLUDED.row_count,
		    cached_at = EXCLUDED.cached_at`,
		key, strings.Join(entry.Columns, ","), entry.RowsJSON, entry.RowCount)
	if err != nil {
		return err
	}
	return p.evictOverflow(ctx)
}

func (p *PersistentCache) evictOverflow(ctx context.Context) error {
	if p.maxSize <= 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM query_results_cache
		WHERE cache_key IN (
			SELECT cache_key FROM query_results_cache
			ORDER BY cached_at DESC
			OFFSET $1
		)`, p.maxSize)
	return err
}

func (p *PersistentCache) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM query_results_cache WHERE cache_key = $1`, key)
	return err
}

func (p *PersistentCache) Close() error {
	return nil
}

// TwoTier reads through memory first, falling back to the persistent
// tier and repopulating memory on a persistent hit. Writes go to both
// tiers so a restart doesn't cold-start the memory tier entirely.
type TwoTier struct {
	memory     *MemoryCache
	persistent *PersistentCache
}

func NewTwoTier(memory *MemoryCache, persistent *PersistentCache) *TwoTier {
	return &TwoTier{memory: memory, persistent: persistent}
}

func (t *TwoTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	if entry, ok, err := t.memory.Get(ctx, key); err != nil {
		return nil, false, err
	} else if ok {
		return entry, true, nil
	}

	entry, ok, err := t.persistent.Get(ctx, key)
	if err != nil {
		slog.Warn("persistent cache read failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	if err := t.memory.Set(ctx, key, entry, 0); err != nil {
		slog.Warn("failed to warm memory tier from persistent hit", "key", key, "error", err)
	}
	return entry, true, nil
}

func (t *TwoTier) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if err := t.memory.Set(ctx, key, entry, ttl); err != nil {
		return err
	}
	if err := t.persistent.Set(ctx, key, entry, ttl); err != nil {
		slog.Warn("persistent cache write failed", "key", key, "error", err)
	}
	return nil
}

func (t *TwoTier) Delete(ctx context.Context, key string) error {
	_ = t.memory.Delete(ctx, key)
	return t.persistent.Delete(ctx, key)
}

func (t *TwoTier) Close() error {
	_ = t.memory.Close()
	return t.persistent.Close()
}
