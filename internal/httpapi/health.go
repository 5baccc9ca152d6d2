package httpapi

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status      string           `json:"status"`
	Environment string           `json:"environment"`
	Timestamp   time.Time        `json:"timestamp"`
	WorkerPool  healthWorkerPool `json:"worker_pool"`
	Database    string           `json:"database"`
	ResultCache string           `json:"result_cache"`
}

type healthWorkerPool struct {
	RunningWorkers int    `json:"running_workers"`
	WaitingTasks   int64  `json:"waiting_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
}

func (a *api) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "ok"
	if err := a.DB.PingContext(r.Context()); err != nil {
		status = "degraded"
		dbStatus = "unreachable"
	}

	cacheStatus := "disabled"
	if a.ResultCache != nil {
		cacheStatus = "ok"
		if _, _, err := a.ResultCache.Get(r.Context(), "healthz-probe"); err != nil {
			cacheStatus = "unreachable"
			status = "degraded"
		}
	}

	stats := a.Pool.Stats()

	resp := healthResponse{
		Status:      status,
		Environment: a.Environment,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		ResultCache: cacheStatus,
		WorkerPool: healthWorkerPool{
			RunningWorkers: stats.RunningWorkers,
			WaitingTasks:   stats.WaitingTasks,
			CompletedTasks: stats.CompletedTasks,
		},
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
