// Package ratelimit tracks per-user token consumption against a rolling
// 24-hour window and reports whether a user may start a new turn.
package ratelimit

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/models"
)

const statusCacheTTL = 60 * time.Second

// Accountant checks and records per-user token usage against a ledger table,
// backed by a short-TTL in-memory cache of computed status.
type Accountant struct {
	db         *sql.DB
	limitTokens int64
	cache      *otter.Cache[uuid.UUID, models.RateLimitStatus]
}

// New builds an Accountant with the given token ceiling.
func New(db *sql.DB, limitTokens int64) (*Accountant, error) {
	cache, err := otter.New(&otter.Options[uuid.UUID, models.RateLimitStatus]{
		MaximumSize:      10_000,
		ExpiryCalculator: otter.ExpiryWriting[uuid.UUID, models.RateLimitStatus](statusCacheTTL),
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCacheError)
	}
	return &Accountant{db: db, limitTokens: limitTokens, cache: cache}, nil
}

// CheckLimit reports a user's usage against the rolling 24h window,
// consulting the in-memory cache first.
func (a *Accountant) CheckLimit(ctx context.Context, userID uuid.UUID) (models.RateLimitStatus, error) {
	if status, ok := a.cache.GetIfPresent(userID); ok {
		return status, nil
	}

	status, err := a.computeStatus(ctx, userID)
	if err != nil {
		return models.RateLimitStatus{}, err
	}

	a.cache.Set(userID, status)
	return status, nil
}

func (a *Accountant) computeStatus(ctx context.Context, userID uuid.UUID) (models.RateLimitStatus, error) {
	var usage sql.NullInt64
	err := a.db.QueryRowContext(ctx, `
		SELECT sum(input_tokens + output_tokens)
		FROM token_usage
		WHERE user_id = $1 AND created_at > now() - interval '24 hours'`,
		userID,
	).Scan(&usage)
	if err != nil {
		return models.RateLimitStatus{}, apperr.Wrap(err, apperr.ErrDatabaseError)
	}

	usageTokens := int64(0)
	if usage.Valid {
		usageTokens = usage.Int64
	}

	remaining := a.limitTokens - usageTokens
	if remaining < 0 {
		remaining = 0
	}

	usagePercent := float64(0)
	if a.limitTokens > 0 {
		usagePercent = float64(usageTokens) / float64(a.limitTokens) * 100
	}

	status := models.RateLimitStatus{
		UsageTokens:     usageTokens,
		LimitTokens:     a.limitTokens,
		RemainingTokens: remaining,
		UsagePercent:    usagePercent,
		Warning:         usagePercent >= 80,
		Allowed:         usageTokens < a.limitTokens,
	}

	if !status.Allowed {
		resetsIn, err := a.resetsInSeconds(ctx, userID)
		if err != nil {
			return models.RateLimitStatus{}, err
		}
		status.ResetsInSeconds = resetsIn
	}

	return status, nil
}

// resetsInSeconds computes the time until the oldest in-window ledger row
// falls out of the 24h window. computeStatus calls it only for a user at
// or over the limit, so ResetsInSeconds stays nil for everyone else.
func (a *Accountant) resetsInSeconds(ctx context.Context, userID uuid.UUID) (*int64, error) {
	var oldest sql.NullTime
	err := a.db.QueryRowContext(ctx, `
		SELECT min(created_at)
		FROM token_usage
		WHERE user_id = $1 AND created_at > now() - interval '24 hours'`,
		userID,
	).Scan(&oldest)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	if !oldest.Valid {
		return nil, nil
	}

	resetAt := oldest.Time.Add(24 * time.Hour)
	seconds := int64(time.Until(resetAt).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	return &seconds, nil
}

// RecordUsage appends a ledger row for a completed turn and invalidates the
// user's cached status so the next CheckLimit recomputes it.
func (a *Accountant) RecordUsage(ctx context.Context, userID uuid.UUID, conversationID *uuid.UUID, model string, inputTokens, outputTokens int, cost float64) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO token_usage (user_id, conversation_id, model, input_tokens, output_tokens, cost)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, conversationID, model, inputTokens, outputTokens, cost,
	)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}

	a.cache.Invalidate(userID)
	return nil
}

// ClearCache invalidates every cached status, forcing the next CheckLimit
// per user to recompute from the database.
func (a *Accountant) ClearCache() {
	a.cache.InvalidateAll()
}
