package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-api-proxy/internal/domain"
)

func seedEntry(t *testing.T, db *gorm.DB, fingerprint, alias string, created time.Time) {
	t.Helper()
	e := &domain.CacheEntry{
		Fingerprint:  fingerprint,
		Domain:       alias,
		StatusCode:   200,
		Headers:      []byte("{}"),
		Payload:      []byte("payload"),
		CreatedAt:    created,
		TTLSeconds:   3600,
		LastAccessed: created,
		AccessCount:  1,
	}
	if err := UpsertCacheEntry(context.Background(), db, e); err != nil {
		t.Fatalf("UpsertCacheEntry(%s): %v", fingerprint, err)
	}
}

func TestUpsertCacheEntry_LastWriterWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedEntry(t, db, "fp-1", "cn", now)

	// Same fingerprint, new payload: still one row, new columns.
	e := &domain.CacheEntry{
		Fingerprint:  "fp-1",
		Domain:       "cn",
		StatusCode:   301,
		Headers:      []byte(`{"Location":"https://x"}`),
		Payload:      []byte("moved"),
		CreatedAt:    now.Add(time.Minute),
		TTLSeconds:   60,
		LastAccessed: now.Add(time.Minute),
		AccessCount:  1,
	}
	if err := UpsertCacheEntry(ctx, db, e); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var count int64
	if err := db.Model(&domain.CacheEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one row, got %d", count)
	}

	row, err := GetCacheEntry(ctx, db, "fp-1")
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if row.StatusCode != 301 || string(row.Payload) != "moved" || row.TTLSeconds != 60 {
		t.Fatalf("stale columns survived the upsert: %+v", row)
	}
}

func TestGetCacheEntry_NotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := GetCacheEntry(context.Background(), db, "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTouchCacheEntry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	seedEntry(t, db, "fp-touch", "cn", base)
	later := base.Add(time.Minute)
	if err := TouchCacheEntry(ctx, db, "fp-touch", later); err != nil {
		t.Fatalf("TouchCacheEntry: %v", err)
	}

	row, err := GetCacheEntry(ctx, db, "fp-touch")
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if row.AccessCount != 2 {
		t.Fatalf("expected access_count 2, got %d", row.AccessCount)
	}
	if !row.LastAccessed.Equal(later) {
		t.Fatalf("last_accessed = %v, want %v", row.LastAccessed, later)
	}
	if row.CreatedAt.After(row.LastAccessed) {
		t.Fatalf("created_at must not exceed last_accessed")
	}

	// Touching a missing row is not an error.
	if err := TouchCacheEntry(ctx, db, "ghost", later); err != nil {
		t.Fatalf("touch on missing row: %v", err)
	}
}

func TestClearCacheEntries_ScopedAndFull(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedEntry(t, db, "a1", "cn", now)
	seedEntry(t, db, "a2", "cn", now)
	seedEntry(t, db, "b1", "news", now)

	n, err := ClearCacheEntries(ctx, db, "cn")
	if err != nil || n != 2 {
		t.Fatalf("ClearCacheEntries(cn) = %d, %v", n, err)
	}
	n, err = ClearCacheEntries(ctx, db, "")
	if err != nil || n != 1 {
		t.Fatalf("ClearCacheEntries(all) = %d, %v", n, err)
	}
}

func TestEvictLRU_RemovesColdestRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		seedEntry(t, db, fmt.Sprintf("fp-%d", i), "cn", base.Add(time.Duration(i)*time.Minute))
	}

	n, err := EvictLRU(ctx, db, 2)
	if err != nil || n != 2 {
		t.Fatalf("EvictLRU = %d, %v", n, err)
	}
	for _, victim := range []string{"fp-0", "fp-1"} {
		if _, err := GetCacheEntry(ctx, db, victim); err == nil {
			t.Fatalf("%s should have been evicted", victim)
		}
	}
	for _, kept := range []string{"fp-2", "fp-3", "fp-4"} {
		if _, err := GetCacheEntry(ctx, db, kept); err != nil {
			t.Fatalf("%s should have survived: %v", kept, err)
		}
	}

	if n, err := EvictLRU(ctx, db, 0); err != nil || n != 0 {
		t.Fatalf("EvictLRU(0) = %d, %v", n, err)
	}
}

func TestDomainAggregates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedEntry(t, db, "c1", "cn", now.Add(-time.Hour))
	seedEntry(t, db, "c2", "cn", now)
	seedEntry(t, db, "n1", "news", now)

	counts, err := DomainEntryCounts(ctx, db)
	if err != nil {
		t.Fatalf("DomainEntryCounts: %v", err)
	}
	if counts["cn"] != 2 || counts["news"] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	dist, err := TTLDistribution(ctx, db)
	if err != nil {
		t.Fatalf("TTLDistribution: %v", err)
	}
	if dist[3600] != 3 {
		t.Fatalf("unexpected distribution: %+v", dist)
	}

	size, err := CacheSizeBytes(ctx, db)
	if err != nil || size != int64(3*len("payload")) {
		t.Fatalf("CacheSizeBytes = %d, %v", size, err)
	}

	oldest, newest, err := CacheBounds(ctx, db)
	if err != nil || oldest == nil || newest == nil {
		t.Fatalf("CacheBounds: %v %v %v", oldest, newest, err)
	}
	if !oldest.Before(*newest) {
		t.Fatalf("bounds out of order: %v %v", oldest, newest)
	}
}

func TestCacheBounds_EmptyCache(t *testing.T) {
	db := openTestDB(t)
	oldest, newest, err := CacheBounds(context.Background(), db)
	if err != nil || oldest != nil || newest != nil {
		t.Fatalf("expected nils on empty cache, got %v %v %v", oldest, newest, err)
	}
}

func TestCacheEntriesPage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		seedEntry(t, db, fmt.Sprintf("p-%d", i), "cn", base.Add(time.Duration(i)*time.Minute))
	}

	page, err := CacheEntriesPage(ctx, db, "cn", 0, 2)
	if err != nil {
		t.Fatalf("CacheEntriesPage: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(page))
	}
	// Newest first.
	if page[0].Fingerprint != "p-4" || page[1].Fingerprint != "p-3" {
		t.Fatalf("unexpected order: %s, %s", page[0].Fingerprint, page[1].Fingerprint)
	}
	// Payload column omitted from listings.
	if len(page[0].Payload) != 0 {
		t.Fatalf("payload should be omitted in listings")
	}
}
