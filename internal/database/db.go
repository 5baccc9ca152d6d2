package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"

	"chatdf/backend/internal/apperr"
	"chatdf/backend/internal/config"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB holds the Postgres connection pool.
type DB struct {
	*sql.DB
}

// NewConnection opens and verifies a Postgres connection pool.
func NewConnection(cfg *config.Config) (*DB, error) {
	if cfg.Database.URL == "" {
		return nil, apperr.New(apperr.ErrMissingEnvVar, "DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, apperr.New(apperr.ErrDatabaseError, fmt.Sprintf("failed to open database connection: %v", err))
	}

	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.MaxConnections / 2)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	db.SetConnMaxIdleTime(time.Duration(cfg.Database.MaxIdleTime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := db.PingContext(ctx); err != nil {
			lastErr = err
			slog.Warn("database connection attempt failed", "attempt", attempt, "max_attempts", 3, "error", err)
			if attempt < 3 {
				time.Sleep(2 * time.Second)
				continue
			}
		} else {
			lastErr = nil
			break
		}
	}

	if lastErr != nil {
		db.Close()
		return nil, apperr.New(apperr.ErrDatabaseError, fmt.Sprintf("failed to connect to database after 3 attempts: %v", lastErr))
	}

	slog.Info("connected to postgres database")
	return &DB{db}, nil
}

func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}

// Migrate applies every pending goose migration embedded under
// internal/database/migrations.
func (db *DB) Migrate() error {
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("sub migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db.DB, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(context.Background())
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	slog.Info("migrations applied", "count", len(results))
	return nil
}

// Transaction runs fn inside a transaction, rolling back on error or
// panic and re-raising the panic after rollback.
func (db *DB) Transaction(fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return nil
}

func NullStringToString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func NullTimeToTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

func StringToNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func TimeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CleanupExpiredSessions removes every session whose expiry has passed.
func (db *DB) CleanupExpiredSessions() error {
	_, err := db.Exec(`DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabaseError)
	}
	return nil
}
