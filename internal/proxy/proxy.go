// Package proxy implements the request-processing pipeline. This file
// contains the Proxy facade external collaborators drive: construction of
// the six core components, server lifecycle, and the small programmatic
// surface (secure key, metrics snapshot, cache clearing, request
// validation).
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-api-proxy/internal/cache"
	"github.com/tbourn/go-api-proxy/internal/config"
	httpapi "github.com/tbourn/go-api-proxy/internal/http"
	"github.com/tbourn/go-api-proxy/internal/metrics"
	"github.com/tbourn/go-api-proxy/internal/repo"
	"github.com/tbourn/go-api-proxy/internal/security"
	"github.com/tbourn/go-api-proxy/internal/throttle"
)

// Proxy bundles the core components behind one lifecycle. Construct with
// New, then Start/Stop. All exported methods are safe for concurrent use.
type Proxy struct {
	cfg      config.Config
	db       *gorm.DB
	gate     *security.Gate
	engine   *cache.Engine
	throttle *throttle.Manager
	sink     *metrics.Sink
	handler  http.Handler

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// New validates nothing beyond what config.Load already did; it opens the
// store (fatal on failure, per the startup contract), migrates the schema,
// and wires the components together.
func New(cfg config.Config) (*Proxy, error) {
	db, err := repo.OpenSQLite(cfg.Cache.DatabasePath, cfg.OTEL.Enabled)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate cache schema: %w", err)
	}

	gate, err := security.New(cfg.Security.RequireSecureKey, cfg.Security.SecureKey)
	if err != nil {
		return nil, fmt.Errorf("initialize security gate: %w", err)
	}

	ttls := make(map[string]int, len(cfg.Domains))
	for alias, m := range cfg.Domains {
		if m.TTLSeconds > 0 {
			ttls[alias] = m.TTLSeconds
		}
	}
	engine := cache.New(db, cache.Options{
		DefaultTTLSeconds: cfg.Cache.DefaultTTLSeconds,
		MaxResponseSize:   cfg.Cache.MaxResponseSize,
		MaxEntries:        cfg.Cache.MaxEntries,
		DomainTTLs:        ttls,
	})

	// Startup hygiene: sweep stale cache rows and old metric rows. Neither
	// failure is fatal; the cache self-heals on lookup.
	ctx := context.Background()
	if n, err := engine.CleanupExpired(ctx); err != nil {
		log.Warn().Err(err).Msg("startup cache sweep failed")
	} else if n > 0 {
		log.Info().Int64("removed", n).Msg("swept expired cache entries")
	}
	if _, err := repo.PruneUpstreamMetrics(ctx, db, time.Now().UTC().Add(-7*24*time.Hour)); err != nil {
		log.Warn().Err(err).Msg("metric pruning failed")
	}

	tm := throttle.New(cfg.Throttle.DefaultRequestsPerHour, cfg.Throttle.ProgressiveMaxDelay, cfg.EffectiveRateLimits())
	sink := metrics.New(1000)
	fwd := NewForwarder(cfg.Upstream.Timeout)

	p := &Proxy{
		cfg:      cfg,
		db:       db,
		gate:     gate,
		engine:   engine,
		throttle: tm,
		sink:     sink,
	}

	pipeline := NewPipeline(cfg, gate, engine, tm, sink, fwd, db)
	p.handler = httpapi.NewRouter(httpapi.Deps{
		Cfg:      cfg,
		DB:       db,
		Engine:   engine,
		Throttle: tm,
		Gate:     gate,
		Sink:     sink,
	}, pipeline.Handle)

	return p, nil
}

// Handler exposes the HTTP handler, mainly for tests that drive the proxy
// through httptest without binding a socket.
func (p *Proxy) Handler() http.Handler { return p.handler }

// Start begins serving. With blocking true it runs until Stop (or a listen
// failure); otherwise the listener runs on a background goroutine.
func (p *Proxy) Start(blocking bool) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("proxy already running")
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort(p.cfg.Host, p.cfg.Port),
		Handler:           p.handler,
		ReadTimeout:       p.cfg.ReadTimeout,
		ReadHeaderTimeout: p.cfg.ReadHeaderTimeout,
		WriteTimeout:      p.cfg.WriteTimeout,
		IdleTimeout:       p.cfg.IdleTimeout,
		MaxHeaderBytes:    p.cfg.MaxHeaderBytes,
	}
	p.server = srv
	p.running = true
	p.mu.Unlock()

	log.Info().Str("addr", srv.Addr).Bool("blocking", blocking).Msg("proxy server starting")

	serve := func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	if blocking {
		return serve()
	}
	go func() {
		if err := serve(); err != nil {
			log.Error().Err(err).Msg("proxy server exited")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down and closes the store. Safe to call
// when the proxy was never started.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.running = false
	p.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if sqlDB, dberr := p.db.DB(); dberr == nil {
		if cerr := sqlDB.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	log.Info().Msg("proxy server stopped")
	return err
}

// Running reports whether Start has been called without a matching Stop.
func (p *Proxy) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SecureKey returns the proxy access key when security is enabled, or the
// empty string. This is the one place a generated key is exposed.
func (p *Proxy) SecureKey() string {
	if !p.gate.Enabled() {
		return ""
	}
	return p.gate.Key()
}

// Metrics returns an immutable snapshot of the event sink.
func (p *Proxy) Metrics() metrics.Snapshot { return p.sink.Snapshot() }

// CacheStats returns cache engine counters and store aggregates.
func (p *Proxy) CacheStats(ctx context.Context) (cache.Stats, error) {
	return p.engine.Stats(ctx)
}

// ClearCache removes cached entries for an alias, or everything when alias
// is empty. Returns the number of rows removed.
func (p *Proxy) ClearCache(ctx context.Context, alias string) (int64, error) {
	log.Info().Str("domain", alias).Msg("clearing cache")
	return p.engine.Clear(ctx, alias)
}

// ThrottleStates returns a snapshot of every domain's throttle state.
func (p *Proxy) ThrottleStates() map[string]throttle.State {
	return p.throttle.Snapshot()
}

// ValidateRequest checks a prospective request against the security gate
// without executing it. It returns whether the request would pass and a
// short reason when it would not.
func (p *Proxy) ValidateRequest(path string, header http.Header, query url.Values) (bool, string) {
	key, _, _ := p.gate.Extract(path, header, query)
	if p.gate.Validate(key) {
		return true, ""
	}
	if key == "" {
		return false, "missing proxy key"
	}
	return false, "invalid proxy key"
}
