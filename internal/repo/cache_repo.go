// Package repo implements the data persistence layer for the proxy cache,
// backed by GORM. This file provides repository functions for the CacheEntry
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no caching policy, only CRUD
// persistence and query composition. Policy (TTL evaluation, compression,
// eviction thresholds) lives in the cache engine.
//
// Error semantics:
//   - When an entry is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - Cache rows are written with an upsert on fingerprint, so concurrent
//     stores of one fingerprint do not fail on the primary key. Constraint
//     violations are not translated: any that occur are returned as errors.
//   - Transient lock contention is retried internally (see withLockRetry);
//     exhausting the budget surfaces the raw driver error.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-api-proxy/internal/domain"
)

// GetCacheEntry fetches a single entry by fingerprint, or ErrNotFound.
func GetCacheEntry(ctx context.Context, db *gorm.DB, fingerprint string) (*domain.CacheEntry, error) {
	var e domain.CacheEntry
	err := db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertCacheEntry inserts the entry, replacing any existing row with the
// same fingerprint. Concurrent stores of the same fingerprint therefore
// converge on a single coherent row: last writer wins all columns.
func UpsertCacheEntry(ctx context.Context, db *gorm.DB, e *domain.CacheEntry) error {
	return withLockRetry(ctx, func() error {
		return db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "fingerprint"}},
				UpdateAll: true,
			}).
			Create(e).Error
	})
}

// TouchCacheEntry bumps the access counter and last-accessed timestamp for a
// hit. Missing rows (deleted concurrently) are not an error.
func TouchCacheEntry(ctx context.Context, db *gorm.DB, fingerprint string, now time.Time) error {
	return withLockRetry(ctx, func() error {
		return db.WithContext(ctx).
			Model(&domain.CacheEntry{}).
			Where("fingerprint = ?", fingerprint).
			UpdateColumns(map[string]interface{}{
				"access_count":  gorm.Expr("access_count + 1"),
				"last_accessed": now,
			}).Error
	})
}

// DeleteCacheEntry removes a single entry and returns the number of rows
// deleted (0 or 1).
func DeleteCacheEntry(ctx context.Context, db *gorm.DB, fingerprint string) (int64, error) {
	var affected int64
	err := withLockRetry(ctx, func() error {
		res := db.WithContext(ctx).
			Where("fingerprint = ?", fingerprint).
			Delete(&domain.CacheEntry{})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// ClearCacheEntries deletes every entry for the given alias, or every entry
// when alias is empty. Returns the number of rows removed.
func ClearCacheEntries(ctx context.Context, db *gorm.DB, alias string) (int64, error) {
	var affected int64
	err := withLockRetry(ctx, func() error {
		q := db.WithContext(ctx)
		if alias != "" {
			q = q.Where("domain = ?", alias)
		} else {
			q = q.Where("1 = 1")
		}
		res := q.Delete(&domain.CacheEntry{})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// CountCacheEntries returns the total number of cached rows.
func CountCacheEntries(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.CacheEntry{}).Count(&total).Error
	return total, err
}

// EvictLRU removes the n least-recently-accessed entries. Used by the cache
// engine after an insert pushes the row count above its bound.
func EvictLRU(ctx context.Context, db *gorm.DB, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	var victims []string
	err := db.WithContext(ctx).
		Model(&domain.CacheEntry{}).
		Order("last_accessed asc").
		Limit(n).
		Pluck("fingerprint", &victims).Error
	if err != nil || len(victims) == 0 {
		return 0, err
	}
	var affected int64
	err = withLockRetry(ctx, func() error {
		res := db.WithContext(ctx).
			Where("fingerprint IN ?", victims).
			Delete(&domain.CacheEntry{})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// CacheEntryMeta is the freshness-relevant subset of a cache row, used by
// the startup sweep of expired entries.
type CacheEntryMeta struct {
	Fingerprint string
	CreatedAt   time.Time
	TTLSeconds  int
}

// CacheEntryMetas lists fingerprint, creation time, and TTL for every row.
func CacheEntryMetas(ctx context.Context, db *gorm.DB) ([]CacheEntryMeta, error) {
	var out []CacheEntryMeta
	err := db.WithContext(ctx).
		Model(&domain.CacheEntry{}).
		Select("fingerprint", "created_at", "ttl_seconds").
		Scan(&out).Error
	return out, err
}

// DeleteCacheEntriesByFingerprint removes the given rows in one statement.
func DeleteCacheEntriesByFingerprint(ctx context.Context, db *gorm.DB, fingerprints []string) (int64, error) {
	if len(fingerprints) == 0 {
		return 0, nil
	}
	var affected int64
	err := withLockRetry(ctx, func() error {
		res := db.WithContext(ctx).
			Where("fingerprint IN ?", fingerprints).
			Delete(&domain.CacheEntry{})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// DomainEntryCounts returns the number of cached rows per alias.
func DomainEntryCounts(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Domain string
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.CacheEntry{}).
		Select("domain, COUNT(*) as n").
		Group("domain").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Domain] = r.N
	}
	return out, nil
}

// TTLDistribution returns the number of cached rows per TTL value.
func TTLDistribution(ctx context.Context, db *gorm.DB) (map[int]int64, error) {
	var rows []struct {
		TTLSeconds int
		N          int64
	}
	err := db.WithContext(ctx).
		Model(&domain.CacheEntry{}).
		Select("ttl_seconds, COUNT(*) as n").
		Group("ttl_seconds").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int]int64, len(rows))
	for _, r := range rows {
		out[r.TTLSeconds] = r.N
	}
	return out, nil
}

// CacheSizeBytes returns the total stored payload size. Compressed rows
// count their compressed size.
func CacheSizeBytes(ctx context.Context, db *gorm.DB) (int64, error) {
	var total *int64
	err := db.WithContext(ctx).
		Model(&domain.CacheEntry{}).
		Select("SUM(LENGTH(payload))").
		Scan(&total).Error
	if err != nil || total == nil {
		return 0, err
	}
	return *total, nil
}

// CacheBounds returns the creation timestamps of the oldest and newest
// cached rows, or nils when the cache is empty.
func CacheBounds(ctx context.Context, db *gorm.DB) (oldest, newest *time.Time, err error) {
	var count int64
	if err = db.WithContext(ctx).Model(&domain.CacheEntry{}).Count(&count).Error; err != nil || count == 0 {
		return nil, nil, err
	}
	// Avoid MIN()/MAX() -> TEXT in SQLite.
	var lo, hi struct{ CreatedAt time.Time }
	if err = db.WithContext(ctx).Model(&domain.CacheEntry{}).
		Select("created_at").Order("created_at asc").Limit(1).Scan(&lo).Error; err != nil {
		return nil, nil, err
	}
	if err = db.WithContext(ctx).Model(&domain.CacheEntry{}).
		Select("created_at").Order("created_at desc").Limit(1).Scan(&hi).Error; err != nil {
		return nil, nil, err
	}
	return &lo.CreatedAt, &hi.CreatedAt, nil
}

// CacheEntriesPage returns a page of entries for an alias ordered by
// creation time descending, payloads omitted. Used by the admin inspection
// endpoints; the caller computes offset and limit.
func CacheEntriesPage(ctx context.Context, db *gorm.DB, alias string, offset, limit int) ([]domain.CacheEntry, error) {
	var out []domain.CacheEntry
	err := db.WithContext(ctx).
		Select("fingerprint", "domain", "status_code", "compressed", "created_at", "ttl_seconds", "last_accessed", "access_count").
		Where("domain = ?", alias).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
