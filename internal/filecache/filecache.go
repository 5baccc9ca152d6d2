// Package filecache is a content-addressed disk cache of downloaded
// dataset files. Keys are the SHA-256 digest of the source URL;
// concurrent downloads of the same URL within one process are
// deduplicated so only one goroutine fetches a given file at a time.
package filecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Stats summarizes the cache's on-disk footprint.
type Stats struct {
	FileCount      int
	TotalSizeBytes int64
	CacheDir       string
	MaxCacheBytes  int64
	MaxFileBytes   int64
}

// Cache downloads and locally stores dataset files, evicting the least
// recently accessed file once the total size exceeds MaxCacheBytes.
type Cache struct {
	dir           string
	maxCacheBytes int64
	maxFileBytes  int64
	staleMaxAge   time.Duration
	httpClient    *resty.Client

	locks sync.Map // map[string]*sync.Mutex, keyed by cache key
}

func New(dir string, maxCacheBytes, maxFileBytes int64, staleMaxAge time.Duration) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	client := resty.New()
	client.SetTimeout(300 * time.Second)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(1 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() >= 500
	})

	return &Cache{
		dir:           dir,
		maxCacheBytes: maxCacheBytes,
		maxFileBytes:  maxFileBytes,
		staleMaxAge:   staleMaxAge,
		httpClient:    client,
	}, nil
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func suffixFor(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".csv.gz"):
		return ".csv.gz"
	case strings.HasSuffix(lower, ".csv"):
		return ".csv"
	case strings.HasSuffix(lower, ".tsv"):
		return ".tsv"
	default:
		return ".parquet"
	}
}

func (c *Cache) pathFor(url string) string {
	return filepath.Join(c.dir, cacheKey(url)+suffixFor(url))
}

func (c *Cache) tempPathFor(url string) string {
	return filepath.Join(c.dir, "."+"download_"+cacheKey(url)+suffixFor(url))
}

// GetCached returns the local path for url if already cached, bumping
// its access time on a hit.
func (c *Cache) GetCached(url string) (string, bool) {
	path := c.pathFor(url)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return path, true
}

// DownloadAndCache fetches url if not already cached and returns the
// stable local path. The caller must not delete the returned file.
func (c *Cache) DownloadAndCache(ctx context.Context, url string) (string, error) {
	if path, ok := c.GetCached(url); ok {
		return path, nil
	}

	key := cacheKey(url)
	lockVal, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	lock := lockVal.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if path, ok := c.GetCached(url); ok {
		return path, nil
	}

	tempPath := c.tempPathFor(url)
	finalPath := c.pathFor(url)

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetOutput(tempPath).
		Get(url)
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if resp.StatusCode() >= 400 {
		os.Remove(tempPath)
		return "", fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode())
	}

	if info, err := os.Stat(tempPath); err == nil && c.maxFileBytes > 0 && info.Size() > c.maxFileBytes {
		os.Remove(tempPath)
		return "", fmt.Errorf("file exceeds max size of %d bytes", c.maxFileBytes)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("finalize cached file: %w", err)
	}

	c.EvictLRU()
	return finalPath, nil
}

// ClearCache removes every cached file and reports how many were
// removed.
func (c *Cache) ClearCache() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// CacheStats reports current cache occupancy.
func (c *Cache) CacheStats() Stats {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return Stats{CacheDir: c.dir, MaxCacheBytes: c.maxCacheBytes, MaxFileBytes: c.maxFileBytes}
	}
	var total int64
	var count int
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".download_") {
			continue
		}
		if info, err := entry.Info(); err == nil {
			total += info.Size()
			count++
		}
	}
	return Stats{
		FileCount:      count,
		TotalSizeBytes: total,
		CacheDir:       c.dir,
		MaxCacheBytes:  c.maxCacheBytes,
		MaxFileBytes:   c.maxFileBytes,
	}
}

// CleanupStaleTemps removes partial-download tempfiles older than the
// configured stale age.
func (c *Cache) CleanupStaleTemps() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-c.staleMaxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), ".download_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(c.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				slog.Warn("failed to remove stale temp file", "path", path, "error", err)
			}
		}
	}
}

// EvictLRU removes the least recently accessed cached files while the
// total cache size exceeds MaxCacheBytes.
func (c *Cache) EvictLRU() {
	if c.maxCacheBytes <= 0 {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}

	type fileInfo struct {
		path       string
		size       int64
		accessedAt time.Time
	}
	var files []fileInfo
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".download_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		files = append(files, fileInfo{path: filepath.Join(c.dir, entry.Name()), size: info.Size(), accessedAt: info.ModTime()})
	}

	if total <= c.maxCacheBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].accessedAt.Before(files[j].accessedAt) })

	for _, f := range files {
		if total <= c.maxCacheBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			slog.Warn("failed to evict cache file", "path", f.path, "error", err)
			continue
		}
		total -= f.size
	}
}
