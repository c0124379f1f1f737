// Package cache implements the content-addressed response cache. This file
// contains the Engine: TTL-aware lookup and store over the repo layer,
// transparent zlib compression of large payloads, domain-scoped clearing,
// LRU eviction, and statistics.
//
// Concurrency contract:
//   - Store is idempotent under concurrent insert of the same fingerprint;
//     the row upsert means the last writer wins all columns and exactly one
//     row exists.
//   - Lookup never blocks on other lookups; reads go straight to the pooled
//     store and only the in-memory counters take a short mutex.
//
// Error semantics: compression and serialization problems are recoverable
// and degrade silently (store raw, or treat as miss). Storage errors are
// returned to the caller so the pipeline can fall back to pass-through mode.
package cache

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-api-proxy/internal/domain"
	"github.com/tbourn/go-api-proxy/internal/repo"
)

// compressionThreshold is the payload size above which stored bodies are
// zlib-compressed.
const compressionThreshold = 1024

// ErrTooLarge reports a payload above the configured per-response cap.
// Such responses are simply not cached; the request itself still succeeds.
var ErrTooLarge = errors.New("response exceeds max cacheable size")

// Options configures an Engine.
type Options struct {
	DefaultTTLSeconds int
	MaxResponseSize   int
	MaxEntries        int
	// DomainTTLs maps an alias to its TTL override in seconds. Aliases
	// absent from the map use DefaultTTLSeconds.
	DomainTTLs map[string]int
}

// Response is a cache hit as returned to the pipeline: payload already
// decompressed, headers deserialized.
type Response struct {
	StatusCode  int
	Headers     map[string]string
	Body        []byte
	CreatedAt   time.Time
	TTLSeconds  int
	AccessCount int64
}

// Stats is a point-in-time snapshot of engine counters and store aggregates.
type Stats struct {
	Hits             int64            `json:"hits"`
	Misses           int64            `json:"misses"`
	Stores           int64            `json:"stores"`
	Expired          int64            `json:"expired"`
	Evictions        int64            `json:"evictions"`
	Compressed       int64            `json:"compressed"`
	Decompressed     int64            `json:"decompressed"`
	TotalEntries     int64            `json:"total_entries"`
	BytesStored      int64            `json:"bytes_stored"`
	EntriesPerDomain map[string]int64 `json:"entries_per_domain"`
	TTLDistribution  map[int]int64    `json:"ttl_distribution"`
	HitRate          float64          `json:"hit_rate"`
}

// Engine is the cache engine. Safe for concurrent use.
type Engine struct {
	db   *gorm.DB
	opts Options

	mu           sync.Mutex
	hits         int64
	misses       int64
	stores       int64
	expired      int64
	evictions    int64
	compressed   int64
	decompressed int64

	now func() time.Time // test seam
}

// New constructs an Engine over an opened store.
func New(db *gorm.DB, opts Options) *Engine {
	return &Engine{db: db, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// TTLFor resolves the freshness window for an alias at store time.
func (e *Engine) TTLFor(alias string) int {
	if ttl, ok := e.opts.DomainTTLs[alias]; ok && ttl > 0 {
		return ttl
	}
	return e.opts.DefaultTTLSeconds
}

// Lookup returns the cached response for a fingerprint when a fresh row
// exists. A stale row is deleted inline and reported as a miss. Storage
// errors are returned so the caller can degrade to pass-through.
func (e *Engine) Lookup(ctx context.Context, fingerprint string) (*Response, error) {
	row, err := repo.GetCacheEntry(ctx, e.db, fingerprint)
	if errors.Is(err, repo.ErrNotFound) {
		e.count(&e.misses)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := e.now()
	if !row.Fresh(now) {
		_, _ = repo.DeleteCacheEntry(ctx, e.db, fingerprint)
		e.count(&e.expired)
		e.count(&e.misses)
		return nil, nil
	}

	body := row.Payload
	if row.Compressed {
		plain, derr := inflate(body)
		if derr != nil {
			// Unreadable row: drop it and fall back to a miss.
			_, _ = repo.DeleteCacheEntry(ctx, e.db, fingerprint)
			e.count(&e.misses)
			return nil, nil
		}
		body = plain
		e.count(&e.decompressed)
	}

	var headers map[string]string
	if err := json.Unmarshal(row.Headers, &headers); err != nil {
		headers = map[string]string{}
	}

	if err := repo.TouchCacheEntry(ctx, e.db, fingerprint, now); err != nil {
		return nil, err
	}
	e.count(&e.hits)

	return &Response{
		StatusCode:  row.StatusCode,
		Headers:     headers,
		Body:        body,
		CreatedAt:   row.CreatedAt,
		TTLSeconds:  row.TTLSeconds,
		AccessCount: row.AccessCount + 1,
	}, nil
}

// Store persists an upstream response under the fingerprint. Only statuses
// in [200, 399] are cacheable and payloads above MaxResponseSize are
// rejected with ErrTooLarge (checked against the uncompressed size). The TTL
// is fixed at store time from the alias override or the default.
func (e *Engine) Store(ctx context.Context, fingerprint, alias string, status int, headers map[string]string, payload []byte) error {
	if status < 200 || status > 399 {
		return nil
	}
	if len(payload) > e.opts.MaxResponseSize {
		return ErrTooLarge
	}

	body := payload
	if body == nil {
		body = []byte{}
	}
	compressed := false
	if len(payload) > compressionThreshold {
		if packed, err := deflate(payload); err == nil {
			body = packed
			compressed = true
		}
		// Compression failure is not fatal; the raw bytes are stored.
	}

	hdrs, err := json.Marshal(headers)
	if err != nil {
		hdrs = []byte("{}")
	}

	now := e.now()
	entry := &domain.CacheEntry{
		Fingerprint:  fingerprint,
		Domain:       alias,
		StatusCode:   status,
		Headers:      hdrs,
		Payload:      body,
		Compressed:   compressed,
		CreatedAt:    now,
		TTLSeconds:   e.TTLFor(alias),
		LastAccessed: now,
		// The storing request is the row's first access.
		AccessCount: 1,
	}
	if err := repo.UpsertCacheEntry(ctx, e.db, entry); err != nil {
		return err
	}
	e.count(&e.stores)
	if compressed {
		e.count(&e.compressed)
	}

	e.evictIfNeeded(ctx)
	return nil
}

// evictIfNeeded removes least-recently-accessed rows when the count exceeds
// the configured bound. Eviction is opportunistic; failures are ignored.
func (e *Engine) evictIfNeeded(ctx context.Context) {
	total, err := repo.CountCacheEntries(ctx, e.db)
	if err != nil || total <= int64(e.opts.MaxEntries) {
		return
	}
	n, err := repo.EvictLRU(ctx, e.db, int(total-int64(e.opts.MaxEntries)))
	if err == nil && n > 0 {
		e.mu.Lock()
		e.evictions += n
		e.mu.Unlock()
	}
}

// CleanupExpired sweeps every stale row out of the store. Run once at
// startup; steady-state expiry is handled inline by Lookup.
func (e *Engine) CleanupExpired(ctx context.Context) (int64, error) {
	metas, err := repo.CacheEntryMetas(ctx, e.db)
	if err != nil {
		return 0, err
	}
	now := e.now()
	var stale []string
	for _, m := range metas {
		if now.Sub(m.CreatedAt) >= time.Duration(m.TTLSeconds)*time.Second {
			stale = append(stale, m.Fingerprint)
		}
	}
	n, err := repo.DeleteCacheEntriesByFingerprint(ctx, e.db, stale)
	if err == nil && n > 0 {
		e.mu.Lock()
		e.expired += n
		e.mu.Unlock()
	}
	return n, err
}

// Clear removes all entries for an alias, or every entry when alias is
// empty. Returns the number of rows removed.
func (e *Engine) Clear(ctx context.Context, alias string) (int64, error) {
	return repo.ClearCacheEntries(ctx, e.db, alias)
}

// Stats returns engine counters merged with store aggregates.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	s := Stats{
		Hits:         e.hits,
		Misses:       e.misses,
		Stores:       e.stores,
		Expired:      e.expired,
		Evictions:    e.evictions,
		Compressed:   e.compressed,
		Decompressed: e.decompressed,
	}
	e.mu.Unlock()

	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}

	var err error
	if s.TotalEntries, err = repo.CountCacheEntries(ctx, e.db); err != nil {
		return s, err
	}
	if s.BytesStored, err = repo.CacheSizeBytes(ctx, e.db); err != nil {
		return s, err
	}
	if s.EntriesPerDomain, err = repo.DomainEntryCounts(ctx, e.db); err != nil {
		return s, err
	}
	if s.TTLDistribution, err = repo.TTLDistribution(ctx, e.db); err != nil {
		return s, err
	}
	return s, nil
}

func (e *Engine) count(c *int64) {
	e.mu.Lock()
	*c++
	e.mu.Unlock()
}

// deflate compresses b with zlib.
func deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate reverses deflate.
func inflate(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
