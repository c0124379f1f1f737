// Package handlers provides HTTP handler implementations for the admin
// inspection API: health, component status, sanitized configuration, domain
// mapping statistics, cache statistics, and cache clearing.
//
// Every successful response is a timestamped JSON document; errors use the
// ErrorResponse envelope, which carries no timestamp. Sensitive
// configuration values (the secure key) are redacted before leaving the
// process.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-api-proxy/internal/cache"
	"github.com/tbourn/go-api-proxy/internal/config"
	"github.com/tbourn/go-api-proxy/internal/http/middleware"
	"github.com/tbourn/go-api-proxy/internal/metrics"
	"github.com/tbourn/go-api-proxy/internal/repo"
	"github.com/tbourn/go-api-proxy/internal/security"
	"github.com/tbourn/go-api-proxy/internal/throttle"
	"github.com/tbourn/go-api-proxy/internal/utils"
)

// redactedValue replaces sensitive configuration fields in admin output.
const redactedValue = "[REDACTED]"

// Admin bundles the dependencies the inspection endpoints read from. All
// fields are set once at router construction.
type Admin struct {
	Cfg      config.Config
	DB       *gorm.DB
	Engine   *cache.Engine
	Throttle *throttle.Manager
	Gate     *security.Gate
	Sink     *metrics.Sink
	Start    time.Time
}

// NewAdmin constructs the admin handler set.
func NewAdmin(cfg config.Config, db *gorm.DB, engine *cache.Engine, tm *throttle.Manager, gate *security.Gate, sink *metrics.Sink) *Admin {
	return &Admin{
		Cfg:      cfg,
		DB:       db,
		Engine:   engine,
		Throttle: tm,
		Gate:     gate,
		Sink:     sink,
		Start:    time.Now(),
	}
}

// Health handles GET /admin/health.
func (a *Admin) Health(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    "healthy",
	})
}

// Status handles GET /admin/status: component health, uptime, and a
// summarized view of the metrics sink.
func (a *Admin) Status(c *gin.Context) {
	components := gin.H{}

	cacheStatus := gin.H{"status": "healthy", "backend": a.backend()}
	stats, err := a.Engine.Stats(c.Request.Context())
	if err != nil {
		cacheStatus["status"] = "error"
		cacheStatus["error"] = err.Error()
	} else {
		cacheStatus["total_entries"] = stats.TotalEntries
		cacheStatus["bytes_stored"] = stats.BytesStored
	}
	components["cache_engine"] = cacheStatus

	dbStatus := gin.H{"status": "healthy"}
	if sqlDB, derr := a.DB.DB(); derr != nil {
		dbStatus = gin.H{"status": "error", "error": derr.Error()}
	} else if perr := sqlDB.Ping(); perr != nil {
		dbStatus = gin.H{"status": "error", "error": perr.Error()}
	}
	components["store"] = dbStatus

	throttled := 0
	for _, st := range a.Throttle.Snapshot() {
		if st.InCooldown {
			throttled++
		}
	}
	components["throttle_manager"] = gin.H{"status": "healthy", "domains_in_cooldown": throttled}
	components["security_gate"] = gin.H{"status": "healthy", "enabled": a.Gate.Enabled()}

	snap := a.Sink.Snapshot()
	var requests, hits, misses int64
	for _, dc := range snap.Counters {
		requests += dc.Requests
		hits += dc.Hits
		misses += dc.Misses
	}
	summary := gin.H{
		"total_requests": requests,
		"cache_hits":     hits,
		"cache_misses":   misses,
	}
	if hits+misses > 0 {
		summary["cache_hit_rate"] = float64(hits) / float64(hits+misses)
	}

	ok(c, http.StatusOK, gin.H{
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"status":         overallStatus(components),
		"uptime_seconds": int(time.Since(a.Start).Seconds()),
		"components":     components,
		"metrics":        summary,
	})
}

// Config handles GET /admin/config: the effective configuration with
// secret-bearing fields redacted.
func (a *Admin) Config(c *gin.Context) {
	mappings := make(gin.H, len(a.Cfg.Domains))
	for alias, m := range a.Cfg.Domains {
		mappings[alias] = gin.H{
			"upstream":    m.Upstream,
			"ttl_seconds": a.Cfg.EffectiveTTL(alias),
		}
	}

	secure := gin.H{"require_secure_key": a.Cfg.Security.RequireSecureKey}
	sanitized := []string{}
	if a.Gate.Key() != "" {
		secure["secure_key"] = redactedValue
		sanitized = append(sanitized, "security.secure_key")
	}

	ok(c, http.StatusOK, gin.H{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"security_enabled": a.Gate.Enabled(),
		"configuration": gin.H{
			"server": gin.H{"host": a.Cfg.Host, "port": a.Cfg.Port},
			"cache": gin.H{
				"database_path":           a.Cfg.Cache.DatabasePath,
				"default_ttl_seconds":     a.Cfg.Cache.DefaultTTLSeconds,
				"max_cache_response_size": a.Cfg.Cache.MaxResponseSize,
				"max_cache_entries":       a.Cfg.Cache.MaxEntries,
			},
			"throttling": gin.H{
				"default_requests_per_hour": a.Cfg.Throttle.DefaultRequestsPerHour,
				"progressive_max_delay":     int(a.Cfg.Throttle.ProgressiveMaxDelay.Seconds()),
				"domain_limits":             a.Cfg.Throttle.DomainLimits,
			},
			"security":        secure,
			"domain_mappings": mappings,
		},
		"sanitized_fields": sanitized,
	})
}

// Domains handles GET /admin/domains: per-alias mapping status with
// upstream aggregates from the last 24 hours.
func (a *Admin) Domains(c *gin.Context) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	upstream, err := repo.UpstreamStatsByDomain(c.Request.Context(), a.DB, since)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to aggregate upstream metrics")
		return
	}
	entries, err := repo.DomainEntryCounts(c.Request.Context(), a.DB)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to count cache entries")
		return
	}

	out := make(gin.H, len(a.Cfg.Domains))
	for alias, m := range a.Cfg.Domains {
		stats := upstream[alias]
		status := "healthy"
		switch {
		case stats.ErrorRate > 0.5:
			status = "error"
		case stats.ErrorRate > 0.1:
			status = "degraded"
		}
		out[alias] = gin.H{
			"upstream":                m.Upstream,
			"ttl_seconds":             a.Cfg.EffectiveTTL(alias),
			"rate_limit_per_hour":     a.Throttle.Limit(alias),
			"status":                  status,
			"total_requests":          stats.TotalRequests,
			"cache_hits":              stats.CacheHits,
			"error_rate":              stats.ErrorRate,
			"average_latency_ms":      stats.AvgLatencyMS,
			"last_successful_request": stats.LastSuccess,
			"last_error":              stats.LastError,
			"cache_entries":           entries[alias],
			"throttle_state":          a.Throttle.StateOf(alias),
		}
	}

	ok(c, http.StatusOK, gin.H{
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"domain_mappings": out,
	})
}

// CacheStats handles GET /admin/cache: engine counters plus store
// aggregates.
func (a *Admin) CacheStats(c *gin.Context) {
	stats, err := a.Engine.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCacheError, "failed to read cache statistics")
		return
	}
	oldest, newest, err := repo.CacheBounds(c.Request.Context(), a.DB)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCacheError, "failed to read cache bounds")
		return
	}

	ok(c, http.StatusOK, gin.H{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"cache_backend": a.backend(),
		"database_path": a.databasePathLabel(),
		"statistics":    stats,
		"oldest_entry":  oldest,
		"newest_entry":  newest,
	})
}

// CacheDomain handles GET /admin/cache/:domain: a paginated listing of the
// alias's cached entries (payloads omitted).
func (a *Admin) CacheDomain(c *gin.Context) {
	alias := c.Param("domain")
	if _, okAlias := a.Cfg.Domains[alias]; !okAlias {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "domain not found: "+alias)
		return
	}

	page, pageSize := utils.ParsePagination(c.Query("page"), c.Query("page_size"))
	entries, err := repo.CacheEntriesPage(c.Request.Context(), a.DB, alias, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCacheError, "failed to list cache entries")
		return
	}
	counts, err := repo.DomainEntryCounts(c.Request.Context(), a.DB)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCacheError, "failed to count cache entries")
		return
	}

	ok(c, http.StatusOK, gin.H{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"domain":    alias,
		"total":     counts[alias],
		"page":      page,
		"page_size": pageSize,
		"entries":   entries,
	})
}

// ClearCache handles POST /admin/cache/clear. An optional "domain" query
// parameter scopes the clear to one alias.
func (a *Admin) ClearCache(c *gin.Context) {
	alias := strings.TrimSpace(c.Query("domain"))
	if alias != "" {
		if _, okAlias := a.Cfg.Domains[alias]; !okAlias {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "domain not found: "+alias)
			return
		}
	}

	n, err := a.Engine.Clear(c.Request.Context(), alias)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCacheError, "failed to clear cache")
		return
	}
	middleware.LoggerFrom(c).Info().Str("domain", alias).Int64("cleared", n).Msg("cache cleared")

	ok(c, http.StatusOK, gin.H{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"domain":    alias,
		"cleared":   n,
	})
}

// Events handles GET /admin/events: the retained tail of the metrics ring.
func (a *Admin) Events(c *gin.Context) {
	snap := a.Sink.Snapshot()
	ok(c, http.StatusOK, gin.H{
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": snap.UptimeSeconds,
		"counters":       snap.Counters,
		"events":         snap.Events,
	})
}

func (a *Admin) backend() string {
	if a.Cfg.Cache.DatabasePath == ":memory:" {
		return "memory"
	}
	return "sqlite"
}

func (a *Admin) databasePathLabel() string {
	if a.Cfg.Cache.DatabasePath == ":memory:" {
		return "in-memory"
	}
	return a.Cfg.Cache.DatabasePath
}

// overallStatus folds component statuses into one value: error wins over
// degraded, degraded over healthy.
func overallStatus(components gin.H) string {
	out := "healthy"
	for _, v := range components {
		m, okCast := v.(gin.H)
		if !okCast {
			continue
		}
		switch m["status"] {
		case "error":
			return "error"
		case "degraded", "unavailable":
			out = "degraded"
		}
	}
	return out
}
