// Package httpapi wires the HTTP transport (Gin) to the proxy pipeline,
// middleware, and admin handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging with key redaction, panic recovery,
// metrics, CORS, and the admin rate limit.
//
// Routing model: the admin and metrics endpoints are registered as ordinary
// routes; everything else falls through to the NoRoute handler, which is the
// proxy pipeline. That keeps Gin's router free of a root wildcard (which
// would conflict with /admin and /metrics) while still letting arbitrary
// /<alias>/<rest> paths reach the pipeline.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured logs with proxy-key scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limit
//  6. Metrics
//
// The admin group additionally gets gzip, CORS, security headers, and the
// per-IP rate limiter. Proxied traffic gets none of those: upstream
// responses must pass through unmodified.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-api-proxy/internal/cache"
	"github.com/tbourn/go-api-proxy/internal/config"
	"github.com/tbourn/go-api-proxy/internal/http/handlers"
	"github.com/tbourn/go-api-proxy/internal/http/middleware"
	"github.com/tbourn/go-api-proxy/internal/metrics"
	"github.com/tbourn/go-api-proxy/internal/security"
	"github.com/tbourn/go-api-proxy/internal/throttle"
)

// Deps carries the component references the router and admin handlers need.
type Deps struct {
	Cfg      config.Config
	DB       *gorm.DB
	Engine   *cache.Engine
	Throttle *throttle.Manager
	Gate     *security.Gate
	Sink     *metrics.Sink
}

// NewRouter builds the Gin engine: global middleware, the metrics endpoint,
// the admin group, and the pipeline as the fallback for every other path.
func NewRouter(d Deps, pipeline gin.HandlerFunc) *gin.Engine {
	gin.SetMode(d.Cfg.GinMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(d.Cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with key scrubbing
	r.Use(middleware.Logger())

	// 4) Panic recovery (plain text; proxied clients may not speak JSON)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (10 MiB; query-heavy POSTs can be large)
	r.Use(limitBody(10 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if d.Cfg.Admin.Enabled {
		admin := r.Group("/admin")
		admin.Use(gzip.Gzip(gzip.DefaultCompression))
		admin.Use(corsPolicy(d.Cfg.CORS))
		admin.Use(middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true}))

		rl := middleware.NewAdminLimiter(d.Cfg.Admin.RatePerMinute)
		admin.Use(rl.Handler())

		h := handlers.NewAdmin(d.Cfg, d.DB, d.Engine, d.Throttle, d.Gate, d.Sink)
		admin.GET("/health", h.Health)
		admin.GET("/status", h.Status)
		admin.GET("/config", h.Config)
		admin.GET("/domains", h.Domains)
		admin.GET("/cache", h.CacheStats)
		admin.GET("/cache/:domain", h.CacheDomain)
		admin.POST("/cache/clear", h.ClearCache)
		admin.GET("/events", h.Events)
	}

	// Wrong method on a registered route (e.g. POST /metrics).
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Everything else is proxy traffic.
	r.NoRoute(pipeline)

	return r
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// corsPolicy builds the admin CORS middleware: an explicit allowlist when
// origins are configured, permissive defaults otherwise (the admin API binds
// to loopback in the common case).
func corsPolicy(c config.CORSConfig) gin.HandlerFunc {
	if len(c.AllowedOrigins) == 0 {
		return cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:   []string{"X-Request-ID", "Content-Length"},
			MaxAge:          12 * time.Hour,
		})
	}
	return cors.New(cors.Config{
		AllowOrigins:  c.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length"},
		MaxAge:        12 * time.Hour,
	})
}
