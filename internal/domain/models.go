// Package domain defines the persistence models for cached responses,
// upstream metrics, and schema versioning. These types are mapped with GORM
// and form the storage layer of the caching proxy.
package domain

import (
	"time"
)

// SchemaVersion is the current version recorded in schema_migrations at
// database initialization. Bump when the persisted layout changes.
const SchemaVersion = 1

// CacheEntry is one persisted upstream response, keyed by the request
// fingerprint. Rows are physically deleted on expiry, eviction, or explicit
// clear; there is no soft-delete marker.
//
// Fields:
//   - Fingerprint: SHA-256 hex digest of (method, rewritten URL, canonical
//     body, content type); primary key.
//   - Domain: the alias the request was routed through; indexed together
//     with CreatedAt for domain-scoped enumeration and pruning.
//   - StatusCode: upstream status, always within [200, 399].
//   - Headers: JSON-serialized response header map.
//   - Payload: response body, possibly zlib-compressed (see Compressed).
//   - TTLSeconds: freshness window fixed at store time; later configuration
//     changes never alter it.
//   - LastAccessed / AccessCount: hit bookkeeping, drives LRU eviction.
type CacheEntry struct {
	Fingerprint  string    `json:"fingerprint"   gorm:"type:char(64);primaryKey"`
	Domain       string    `json:"domain"        gorm:"type:varchar(128);not null;index:idx_domain_created,priority:1"`
	StatusCode   int       `json:"status_code"   gorm:"not null"`
	Headers      []byte    `json:"-"             gorm:"type:blob;not null"`
	Payload      []byte    `json:"-"             gorm:"type:blob;not null"`
	Compressed   bool      `json:"compressed"    gorm:"not null;default:false"`
	CreatedAt    time.Time `json:"created_at"    gorm:"index:idx_domain_created,priority:2"`
	TTLSeconds   int       `json:"ttl_seconds"   gorm:"not null"`
	LastAccessed time.Time `json:"last_accessed" gorm:"index"`
	AccessCount  int64     `json:"access_count"  gorm:"not null;default:0"`
}

// TableName returns the database table name for CacheEntry.
func (CacheEntry) TableName() string { return "cache_entries" }

// Fresh reports whether the entry is still within its freshness window at
// the given instant. A row is fresh iff now − created_at < ttl_seconds.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.CreatedAt) < time.Duration(e.TTLSeconds)*time.Second
}

// UpstreamMetric is one recorded upstream interaction (or cache hit) used by
// the admin domain endpoint for aggregation.
type UpstreamMetric struct {
	ID         uint      `json:"id"          gorm:"primaryKey;autoIncrement"`
	Domain     string    `json:"domain"      gorm:"type:varchar(128);not null;index:idx_metric_domain_ts,priority:1"`
	Method     string    `json:"method"      gorm:"type:varchar(8);not null"`
	CacheHit   bool      `json:"cache_hit"   gorm:"not null"`
	StatusCode int       `json:"status_code" gorm:"not null"`
	LatencyMS  int64     `json:"latency_ms"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"  gorm:"index:idx_metric_domain_ts,priority:2"`
}

// TableName returns the database table name for UpstreamMetric.
func (UpstreamMetric) TableName() string { return "upstream_metrics" }

// SchemaMigration records the schema version applied at init, kept in a side
// table so future releases can migrate forward.
type SchemaMigration struct {
	Version   int       `json:"version"    gorm:"primaryKey"`
	AppliedAt time.Time `json:"applied_at"`
}

// TableName returns the database table name for SchemaMigration.
func (SchemaMigration) TableName() string { return "schema_migrations" }
