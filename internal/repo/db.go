// Package repo implements the data persistence layer for the proxy cache,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver), schema migrations, and the bounded retry policy
// applied to writes that hit transient lock contention.
package repo

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-api-proxy/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the cache engine and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// maxLockRetries bounds the exponential-backoff retry loop for writes that
// fail on transient SQLite lock contention.
const maxLockRetries = 5

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
//
// The special path ":memory:" is rewritten to a shared-cache URI so every
// pooled connection sees the same ephemeral database; a plain ":memory:"
// would give each connection its own empty store.
//
// When trace is true the GORM OpenTelemetry plugin is attached so cache
// queries show up as spans under the request trace.
func OpenSQLite(path string, trace bool) (*gorm.DB, error) {
	uri := path
	switch {
	case path == ":memory:":
		uri = "file::memory:?cache=shared"
	case strings.HasPrefix(path, "file:"):
		// URI as given.
	default:
		// Fail early if parent directory does not exist (instead of sqlite
		// "out of memory (14)" on Windows).
		if dir := filepath.Dir(path); dir != "." {
			if _, err := os.Stat(dir); err != nil {
				return nil, err
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(uri), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")
	db.Exec("PRAGMA temp_store=memory;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if trace {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// AutoMigrate creates the cache, metrics, and schema-version tables, then
// stamps the current schema version. It is idempotent.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.CacheEntry{},
		&domain.UpstreamMetric{},
		&domain.SchemaMigration{},
	); err != nil {
		return err
	}
	rec := domain.SchemaMigration{Version: domain.SchemaVersion, AppliedAt: time.Now().UTC()}
	return db.Where(domain.SchemaMigration{Version: domain.SchemaVersion}).
		FirstOrCreate(&rec).Error
}

// isLockError reports whether err is SQLite lock contention worth retrying.
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "database is locked") ||
		strings.Contains(low, "database table is locked") ||
		strings.Contains(low, "sqlite_busy")
}

// withLockRetry runs fn, making at most maxLockRetries attempts with
// exponential backoff and jitter when SQLite reports lock contention.
// Any other error (or exhaustion of the retry budget) is returned as-is.
func withLockRetry(ctx context.Context, fn func() error) error {
	delay := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxLockRetries; attempt++ {
		if err = fn(); err == nil || !isLockError(err) {
			return err
		}
		if attempt == maxLockRetries-1 {
			break
		}
		sleep := delay + time.Duration(rand.Int63n(int64(50*time.Millisecond)))
		if sleep > time.Second {
			sleep = time.Second
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return err
}
