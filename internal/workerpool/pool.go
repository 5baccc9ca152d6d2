// Package workerpool runs CPU-bound dataset operations — URL validation,
// schema extraction, column profiling, and SQL execution — on a bounded
// pool of goroutines fronting the columnar query engine, so a slow or
// wedged DuckDB query never stalls the HTTP/WS request path.
package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/cache"
	"chatdf/backend/internal/queryengine"
)

// Config controls pool sizing, per-task-type timeouts, and recycling.
type Config struct {
	PoolSize         int
	MaxTasksPerChild int
	ValidateTimeout  time.Duration
	SchemaTimeout    time.Duration
	ProfileTimeout   time.Duration
	QueryTimeout     time.Duration
	ResultCacheTTL   time.Duration
}

// Pool wraps a pond.WorkerPool of DuckDB-backed workers. Every task runs
// with a context deadline matched to its kind, and the pool is
// periodically torn down and rebuilt after MaxTasksPerChild dispatches to
// bound the blast radius of any one query leaking memory or corrupting
// engine-local state — the closest goroutine-native analogue to
// recycling a worker process.
type Pool struct {
	cfg    Config
	engine *queryengine.Engine
	cache  cache.Cache

	pool       *pond.WorkerPool
	dispatched int64
}

func New(cfg Config, engine *queryengine.Engine, resultCache cache.Cache) *Pool {
	p := &Pool{cfg: cfg, engine: engine, cache: resultCache}
	p.pool = newPondPool(cfg)
	return p
}

func newPondPool(cfg Config) *pond.WorkerPool {
	n := cfg.PoolSize
	if n <= 0 {
		n = 4
	}
	return pond.New(n, n*4, pond.MinWorkers(1), pond.IdleTimeout(30*time.Second))
}

func (p *Pool) recycleIfDue() {
	if p.cfg.MaxTasksPerChild <= 0 {
		return
	}
	count := atomic.AddInt64(&p.dispatched, 1)
	if count%int64(p.cfg.MaxTasksPerChild) != 0 {
		return
	}
	slog.Info("recycling worker pool", "tasks_dispatched", count)
	old := p.pool
	p.pool = newPondPool(p.cfg)
	old.StopAndWaitFor(5 * time.Second)
}

// run submits fn to the pool, enforces timeout as a context deadline,
// and recovers panics into an apperr so a single bad DuckDB task can't
// crash the process.
func run[T any](ctx context.Context, p *Pool, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	p.recycleIfDue()

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan T, 1)
	errCh := make(chan error, 1)

	p.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- apperr.New(apperr.ErrInternalServer, fmt.Sprintf("worker panic: %v", r))
			}
		}()
		res, err := fn(taskCtx)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	})

	select {
	case res := <-resultCh:
		return res, nil
	case err := <-errCh:
		return zero, err
	case <-taskCtx.Done():
		return zero, apperr.New(apperr.ErrTimeout, "worker task timed out")
	}
}

// ValidateURL checks that url is a safe, reachable, supported dataset
// source. When DuckDB cannot read a remote url directly, the whole file is
// downloaded into the file cache first.
func (p *Pool) ValidateURL(ctx context.Context, url string) (*queryengine.URLInfo, error) {
	return run(ctx, p, p.cfg.ValidateTimeout, func(ctx context.Context) (*queryengine.URLInfo, error) {
		return p.engine.ValidateURL(ctx, url)
	})
}

// GetSchema downloads (or reuses the cached copy of) the dataset at url
// and extracts its column schema.
func (p *Pool) GetSchema(ctx context.Context, url string) (*queryengine.Schema, error) {
	return run(ctx, p, p.cfg.SchemaTimeout, func(ctx context.Context) (*queryengine.Schema, error) {
		return p.engine.GetSchema(ctx, url)
	})
}

// ProfileColumns computes summary statistics for every column of the
// dataset at url.
func (p *Pool) ProfileColumns(ctx context.Context, url string) (*queryengine.Profile, error) {
	return run(ctx, p, p.cfg.ProfileTimeout, func(ctx context.Context) (*queryengine.Profile, error) {
		return p.engine.ProfileColumns(ctx, url)
	})
}

// ProfileColumn computes summary statistics for a single column.
func (p *Pool) ProfileColumn(ctx context.Context, url, column string) (*queryengine.ColumnProfile, error) {
	return run(ctx, p, p.cfg.ProfileTimeout, func(ctx context.Context) (*queryengine.ColumnProfile, error) {
		return p.engine.ProfileColumn(ctx, url, column)
	})
}

// RunQuery executes sql against the given dataset refs and returns the
// result set, capped at MaxResultRows. Results are cached by the SQL
// text and the sorted set of dataset URLs it touched, so repeat queries
// against unchanged datasets skip DuckDB entirely.
func (p *Pool) RunQuery(ctx context.Context, sqlText string, refs []queryengine.DatasetRef) (*queryengine.Result, error) {
	key := ""
	if p.cache != nil {
		urls := make([]string, len(refs))
		for i, ref := range refs {
			urls[i] = ref.URL
		}
		key = cache.GenerateKey(sqlText, urls)

		if entry, ok, err := p.cache.Get(ctx, key); err == nil && ok {
			var rows []map[string]any
			if err := json.Unmarshal(entry.RowsJSON, &rows); err == nil {
				return &queryengine.Result{Columns: entry.Columns, Rows: rows, TotalRows: int64(entry.RowCount), Cached: true}, nil
			}
		}
	}

	result, err := run(ctx, p, p.cfg.QueryTimeout, func(ctx context.Context) (*queryengine.Result, error) {
		return p.engine.RunQuery(ctx, sqlText, refs)
	})
	if err != nil {
		return nil, err
	}

	if p.cache != nil && key != "" {
		if rowsJSON, err := json.Marshal(result.Rows); err == nil {
			entry := &cache.Entry{Columns: result.Columns, RowsJSON: rowsJSON, RowCount: len(result.Rows), CachedAt: time.Now()}
			if err := p.cache.Set(ctx, key, entry, p.cfg.ResultCacheTTL); err != nil {
				slog.Warn("failed to cache query result", "error", err)
			}
		}
	}

	return result, nil
}

// Stats reports pool occupancy for health/metrics endpoints.
type Stats struct {
	RunningWorkers int
	SubmittedTasks uint64
	CompletedTasks uint64
	WaitingTasks   int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		RunningWorkers: p.pool.RunningWorkers(),
		SubmittedTasks: p.pool.SubmittedTasks(),
		CompletedTasks: p.pool.CompletedTasks(),
		WaitingTasks:   p.pool.WaitingTasks(),
	}
}

// Shutdown drains in-flight tasks and stops the pool.
func (p *Pool) Shutdown() {
	slog.Info("shutting down worker pool", "stats", p.Stats())
	p.pool.StopAndWait()
}
