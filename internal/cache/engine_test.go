package cache

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-api-proxy/internal/domain"
	"github.com/tbourn/go-api-proxy/internal/repo"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := repo.OpenSQLite(path, false)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func testEngine(t *testing.T, db *gorm.DB, opts Options) *Engine {
	t.Helper()
	if opts.DefaultTTLSeconds == 0 {
		opts.DefaultTTLSeconds = 3600
	}
	if opts.MaxResponseSize == 0 {
		opts.MaxResponseSize = 1 << 20
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = 100
	}
	return New(db, opts)
}

func TestEngine_StoreLookup_RoundTrip(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, Options{})
	ctx := context.Background()

	// Compressible: well over the 1024-byte threshold and repetitive.
	payload := bytes.Repeat([]byte("hello world "), 500)
	fp := Fingerprint("GET", "https://api.example.org/foo", nil, "")
	headers := map[string]string{"Content-Type": "text/plain"}

	if err := e.Store(ctx, fp, "cn", 200, headers, payload); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Row must be stored compressed.
	row, err := repo.GetCacheEntry(ctx, db, fp)
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if !row.Compressed {
		t.Fatalf("expected compressed row for %d-byte payload", len(payload))
	}
	if len(row.Payload) >= len(payload) {
		t.Fatalf("compressed payload (%d) not smaller than original (%d)", len(row.Payload), len(payload))
	}

	// Lookup reverses compression transparently.
	hit, err := e.Lookup(ctx, fp)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit == nil {
		t.Fatalf("expected a hit")
	}
	if !bytes.Equal(hit.Body, payload) {
		t.Fatalf("round-trip payload mismatch: got %d bytes, want %d", len(hit.Body), len(payload))
	}
	if hit.StatusCode != 200 || hit.Headers["Content-Type"] != "text/plain" {
		t.Fatalf("metadata mismatch: %+v", hit)
	}
	if hit.AccessCount != 2 {
		t.Fatalf("expected access_count=2 after store+hit, got %d", hit.AccessCount)
	}
}

func TestEngine_SmallPayloadStoredRaw(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, Options{})
	ctx := context.Background()

	fp := Fingerprint("GET", "https://api.example.org/small", nil, "")
	if err := e.Store(ctx, fp, "cn", 200, nil, []byte("tiny")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	row, err := repo.GetCacheEntry(ctx, db, fp)
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if row.Compressed {
		t.Fatalf("payload at or below threshold must be stored raw")
	}
}

func TestEngine_TTLExpiry_DeletesRow(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, Options{DomainTTLs: map[string]int{"news": 60}})
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	fp := Fingerprint("GET", "https://news.example.org/x", nil, "")
	if err := e.Store(ctx, fp, "news", 200, nil, []byte("headline")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	row, err := repo.GetCacheEntry(ctx, db, fp)
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if row.TTLSeconds != 60 {
		t.Fatalf("expected domain TTL override 60, got %d", row.TTLSeconds)
	}

	// 59 seconds later: still fresh.
	e.now = func() time.Time { return base.Add(59 * time.Second) }
	if hit, err := e.Lookup(ctx, fp); err != nil || hit == nil {
		t.Fatalf("expected fresh hit at 59s, got hit=%v err=%v", hit, err)
	}

	// 61 seconds later: stale, deleted inline.
	e.now = func() time.Time { return base.Add(61 * time.Second) }
	if hit, err := e.Lookup(ctx, fp); err != nil || hit != nil {
		t.Fatalf("expected miss at 61s, got hit=%v err=%v", hit, err)
	}
	if _, err := repo.GetCacheEntry(ctx, db, fp); err == nil {
		t.Fatalf("stale row must be deleted inline")
	}
}

func TestEngine_TTLStickiness(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, Options{DomainTTLs: map[string]int{"cn": 100}})
	ctx := context.Background()

	fp := Fingerprint("GET", "https://api.example.org/sticky", nil, "")
	if err := e.Store(ctx, fp, "cn", 200, nil, []byte("v")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Mutating the engine's TTL map afterwards must not change the stored row.
	e.opts.DomainTTLs["cn"] = 1
	row, err := repo.GetCacheEntry(ctx, db, fp)
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if row.TTLSeconds != 100 {
		t.Fatalf("stored TTL changed retroactively: %d", row.TTLSeconds)
	}
}

func TestEngine_RejectsUncacheableStatus(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, Options{})
	ctx := context.Background()

	for _, status := range []int{199, 400, 404, 429, 500, 502} {
		fp := Fingerprint("GET", "https://api.example.org/s", nil, "")
		if err := e.Store(ctx, fp, "cn", status, nil, []byte("x")); err != nil {
			t.Fatalf("Store(%d): %v", status, err)
		}
		if _, err := repo.GetCacheEntry(ctx, db, fp); err == nil {
			t.Fatalf("status %d must not be cached", status)
		}
	}

	// Redirects are cacheable.
	fp := Fingerprint("GET", "https://api.example.org/redir", nil, "")
	if err := e.Store(ctx, fp, "cn", 301, map[string]string{"Location": "https://elsewhere"}, nil); err != nil {
		t.Fatalf("Store(301): %v", err)
	}
	if _, err := repo.GetCacheEntry(ctx, db, fp); err != nil {
		t.Fatalf("redirect must be cached: %v", err)
	}
}

func TestEngine_TooLargePayloadNotStored(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, Options{MaxResponseSize: 10})
	ctx := context.Background()

	fp := Fingerprint("GET", "https://api.example.org/big", nil, "")
	err := e.Store(ctx, fp, "cn", 200, nil, []byte("0123456789ab"))
	if err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, err := repo.GetCacheEntry(ctx, db, fp); err == nil {
		t.Fatalf("oversized payload must not be stored")
	}
}

func TestEngine_IdempotentStore_SingleRow(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, Options{})
	ctx := context.Background()

	fp := Fingerprint("GET", "https://api.example.org/dup", nil, "")
	for i := 0; i < 5; i++ {
		if err := e.Store(ctx, fp, "cn", 200, nil, []byte("payload")); err != nil {
			t.Fatalf("Store #%d: %v", i, err)
		}
	}

	var count int64
	if err := db.Model(&domain.CacheEntry{}).Where("fingerprint = ?", fp).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row, got %d", count)
	}
}

func TestEngine_LRUEviction(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, Options{MaxEntries: 3})
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		step := i
		e.now = func() time.Time { return base.Add(time.Duration(step) * time.Minute) }
		fp := Fingerprint("GET", "https://api.example.org/"+strings.Repeat("x", i+1), nil, "")
		if err := e.Store(ctx, fp, "cn", 200, nil, []byte("v")); err != nil {
			t.Fatalf("Store #%d: %v", i, err)
		}
	}

	total, err := repo.CountCacheEntries(ctx, db)
	if err != nil {
		t.Fatalf("CountCacheEntries: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected eviction down to 3 rows, got %d", total)
	}

	// The least recently accessed (first stored) entry is the victim.
	first := Fingerprint("GET", "https://api.example.org/x", nil, "")
	if _, err := repo.GetCacheEntry(ctx, db, first); err == nil {
		t.Fatalf("oldest entry should have been evicted")
	}
}

func TestEngine_CleanupExpired(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, Options{DomainTTLs: map[string]int{"news": 60}})
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	fresh := Fingerprint("GET", "https://api.example.org/fresh", nil, "")
	stale := Fingerprint("GET", "https://news.example.org/stale", nil, "")
	if err := e.Store(ctx, fresh, "cn", 200, nil, []byte("a")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := e.Store(ctx, stale, "news", 200, nil, []byte("b")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Past the news TTL (60s) but inside the cn default (3600s).
	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err := e.CleanupExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CleanupExpired = %d, %v", n, err)
	}
	if _, err := repo.GetCacheEntry(ctx, db, stale); err == nil {
		t.Fatalf("stale row survived the sweep")
	}
	if _, err := repo.GetCacheEntry(ctx, db, fresh); err != nil {
		t.Fatalf("fresh row swept: %v", err)
	}
}

func TestEngine_ClearByDomain(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, Options{})
	ctx := context.Background()

	for i, alias := range []string{"cn", "cn", "news"} {
		fp := Fingerprint("GET", "https://api.example.org/c"+strings.Repeat("z", i+1), nil, "")
		if err := e.Store(ctx, fp, alias, 200, nil, []byte("v")); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	n, err := e.Clear(ctx, "cn")
	if err != nil {
		t.Fatalf("Clear(cn): %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows cleared for cn, got %d", n)
	}

	n, err = e.Clear(ctx, "")
	if err != nil {
		t.Fatalf("Clear(all): %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining row cleared, got %d", n)
	}
}

func TestEngine_Stats(t *testing.T) {
	db := testDB(t)
	e := testEngine(t, db, Options{DomainTTLs: map[string]int{"news": 60}})
	ctx := context.Background()

	fpA := Fingerprint("GET", "https://api.example.org/a", nil, "")
	fpB := Fingerprint("GET", "https://news.example.org/b", nil, "")
	if err := e.Store(ctx, fpA, "cn", 200, nil, []byte("aaa")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := e.Store(ctx, fpB, "news", 200, nil, []byte("bbb")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := e.Lookup(ctx, fpA); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, err := e.Lookup(ctx, Fingerprint("GET", "https://api.example.org/miss", nil, "")); err != nil {
		t.Fatalf("Lookup(miss): %v", err)
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 1 || stats.Stores != 2 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.TotalEntries != 2 || stats.BytesStored == 0 {
		t.Fatalf("unexpected aggregates: %+v", stats)
	}
	if stats.EntriesPerDomain["cn"] != 1 || stats.EntriesPerDomain["news"] != 1 {
		t.Fatalf("unexpected per-domain counts: %+v", stats.EntriesPerDomain)
	}
	if stats.TTLDistribution[3600] != 1 || stats.TTLDistribution[60] != 1 {
		t.Fatalf("unexpected TTL distribution: %+v", stats.TTLDistribution)
	}
	if stats.HitRate != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %f", stats.HitRate)
	}
}
