// Package proxy implements the request-processing pipeline. This file
// contains the ordered per-request decision chain:
//
//	authenticate -> resolve alias -> fingerprint -> cache lookup ->
//	throttle check -> upstream fetch -> normalize -> cache store
//
// Two invariants shape the flow. Cache-first: a fresh hit is served without
// consulting the throttle manager at all. And storage degradation: when the
// store errors at request time the cache layer drops to pass-through for
// that request (served, not cached) instead of failing the client.
package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-api-proxy/internal/cache"
	"github.com/tbourn/go-api-proxy/internal/config"
	"github.com/tbourn/go-api-proxy/internal/domain"
	"github.com/tbourn/go-api-proxy/internal/http/middleware"
	"github.com/tbourn/go-api-proxy/internal/metrics"
	"github.com/tbourn/go-api-proxy/internal/repo"
	"github.com/tbourn/go-api-proxy/internal/security"
	"github.com/tbourn/go-api-proxy/internal/throttle"
)

// Pipeline executes the decision chain for every proxied request. All
// fields are set at construction and never mutated, so a single Pipeline is
// shared by all workers.
type Pipeline struct {
	cfg      config.Config
	gate     *security.Gate
	engine   *cache.Engine
	throttle *throttle.Manager
	sink     *metrics.Sink
	fwd      *Forwarder
	db       *gorm.DB
}

// NewPipeline wires the core components into a request handler.
func NewPipeline(cfg config.Config, gate *security.Gate, engine *cache.Engine, tm *throttle.Manager, sink *metrics.Sink, fwd *Forwarder, db *gorm.DB) *Pipeline {
	return &Pipeline{cfg: cfg, gate: gate, engine: engine, throttle: tm, sink: sink, fwd: fwd, db: db}
}

// cacheableMethod reports whether responses for the method are ever cached.
// PUT and DELETE are forwarded and throttled but never stored.
func cacheableMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodPost
}

// Handle runs the decision pipeline for one request. Registered as the gin
// NoRoute handler so every path that is not an admin or metrics route lands
// here.
func (p *Pipeline) Handle(c *gin.Context) {
	lg := middleware.LoggerFrom(c)
	ctx := c.Request.Context()

	switch c.Request.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		c.String(http.StatusMethodNotAllowed, "method not allowed\n")
		return
	}

	query := c.Request.URL.Query()

	// 1. Security gate. No other component sees the request before this.
	key, src, path := p.gate.Extract(c.Request.URL.Path, c.Request.Header, query)
	if !p.gate.Validate(key) {
		p.sink.Record(metrics.Event{Kind: metrics.EventAuthFail, Detail: map[string]string{"source": string(src)}})
		lg.Warn().Str("path", c.Request.URL.Path).Msg("rejected request with invalid or missing proxy key")
		c.String(http.StatusUnauthorized, "Unauthorized: invalid or missing proxy key\n")
		return
	}
	if p.gate.Enabled() {
		p.sink.Record(metrics.Event{Kind: metrics.EventAuthPass, Detail: map[string]string{"source": string(src)}})
	}

	// 2. Alias resolution on the (possibly token-stripped) path.
	alias, rest := splitAlias(path)
	mapping, ok := p.cfg.Domains[alias]
	if !ok {
		c.String(http.StatusNotFound, "unknown domain alias: %s\n", alias)
		return
	}
	p.sink.Record(metrics.Event{Kind: metrics.EventRequestReceived, Domain: alias})

	// 3. Upstream URL. The gate's key parameter never travels upstream.
	if p.gate.Enabled() {
		query.Del(security.QueryKey)
	}
	upstreamURL := buildUpstreamURL(mapping.Upstream, rest, query)

	var body []byte
	if c.Request.Body != nil {
		var err error
		if body, err = io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusBadRequest, "unreadable request body\n")
			return
		}
	}

	// 4. Fingerprint and cache lookup. Fresh hits return without ever
	// touching the throttle manager.
	contentType := c.Request.Header.Get("Content-Type")
	fingerprint := cache.Fingerprint(c.Request.Method, upstreamURL, body, contentType)

	storageDegraded := false
	if cacheableMethod(c.Request.Method) {
		hit, err := p.engine.Lookup(ctx, fingerprint)
		if err != nil {
			// Degrade to pass-through: serve the request, skip the cache.
			storageDegraded = true
			lg.Error().Err(err).Msg("cache lookup failed, serving pass-through")
			p.sink.Record(metrics.Event{
				Kind: metrics.EventCacheMiss, Domain: alias,
				Detail: map[string]string{"storage_error": err.Error()},
			})
		} else if hit != nil {
			p.serveHit(c, alias, fingerprint, hit)
			return
		} else {
			p.sink.Record(metrics.Event{Kind: metrics.EventCacheMiss, Domain: alias})
		}
	}

	// 5. Throttle check, misses only.
	decision := p.throttle.Decide(alias)
	if !decision.Admitted {
		p.sink.Record(metrics.Event{
			Kind: metrics.EventThrottled, Domain: alias,
			Detail: map[string]string{"reason": string(decision.Reason)},
		})
		lg.Info().
			Str("domain", alias).
			Str("reason", string(decision.Reason)).
			Dur("retry_after", decision.RetryAfter).
			Msg("throttled upstream request")
		writeThrottled(c, decision)
		return
	}
	p.throttle.RecordAdmission(alias)

	// 6. Upstream dispatch.
	resp, err := p.fwd.Forward(ctx, c.Request.Method, upstreamURL, body, c.Request.Header)
	if err != nil {
		p.sink.Record(metrics.Event{
			Kind: metrics.EventUpstreamError, Domain: alias,
			Detail: map[string]string{"transport_error": err.Error()},
		})
		p.recordMetricRow(c, alias, false, http.StatusBadGateway, 0, 0)
		lg.Error().Err(err).Str("upstream", upstreamURL).Msg("upstream transport failure")
		c.String(http.StatusBadGateway, "upstream transport error\n")
		return
	}

	// An explicit upstream 429 is a throttle violation; transport errors
	// and 5xx are not.
	if resp.StatusCode == http.StatusTooManyRequests {
		p.throttle.RecordViolation(alias)
	}

	// 7. Store. Failures never affect the client response.
	if cacheableMethod(c.Request.Method) && !storageDegraded {
		switch err := p.engine.Store(ctx, fingerprint, alias, resp.StatusCode, resp.Headers, resp.Body); {
		case err == nil && resp.StatusCode >= 200 && resp.StatusCode <= 399:
			p.sink.Record(metrics.Event{Kind: metrics.EventCacheStore, Domain: alias})
		case err == cache.ErrTooLarge:
			lg.Debug().Str("domain", alias).Int("size", len(resp.Body)).Msg("response too large to cache")
		case err != nil:
			lg.Error().Err(err).Str("domain", alias).Msg("cache store failed")
		}
	}

	kind := metrics.EventUpstreamOK
	if resp.StatusCode >= 500 {
		kind = metrics.EventUpstreamError
	}
	p.sink.Record(metrics.Event{Kind: kind, Domain: alias, LatencyMS: resp.Latency.Milliseconds()})
	p.sink.AddBytesServed(alias, int64(len(resp.Body)))
	p.recordMetricRow(c, alias, false, resp.StatusCode, resp.Latency.Milliseconds(), int64(len(resp.Body)))

	writeFlat(c, resp.StatusCode, resp.Headers, resp.Body)
}

// serveHit writes a fresh cached response to the client.
func (p *Pipeline) serveHit(c *gin.Context, alias, fingerprint string, hit *cache.Response) {
	p.sink.Record(metrics.Event{Kind: metrics.EventCacheHit, Domain: alias})
	p.sink.AddBytesServed(alias, int64(len(hit.Body)))
	p.recordMetricRow(c, alias, true, hit.StatusCode, 0, int64(len(hit.Body)))
	middleware.LoggerFrom(c).Debug().
		Str("domain", alias).
		Str("fingerprint", fingerprint).
		Int64("access_count", hit.AccessCount).
		Msg("cache hit")

	headers := make(map[string]string, len(hit.Headers)+1)
	for k, v := range hit.Headers {
		headers[k] = v
	}
	headers["Content-Length"] = strconv.Itoa(len(hit.Body))
	writeFlat(c, hit.StatusCode, headers, hit.Body)
}

// recordMetricRow persists one upstream_metrics row; failures are logged and
// otherwise ignored.
func (p *Pipeline) recordMetricRow(c *gin.Context, alias string, hitRow bool, status int, latencyMS, size int64) {
	m := &domain.UpstreamMetric{
		Domain:     alias,
		Method:     c.Request.Method,
		CacheHit:   hitRow,
		StatusCode: status,
		LatencyMS:  latencyMS,
		SizeBytes:  size,
		CreatedAt:  time.Now().UTC(),
	}
	if err := repo.InsertUpstreamMetric(c.Request.Context(), p.db, m); err != nil {
		middleware.LoggerFrom(c).Debug().Err(err).Msg("failed to store upstream metric")
	}
}

// writeThrottled emits the 429 with back-off headers.
func writeThrottled(c *gin.Context, d throttle.Decision) {
	h := c.Writer.Header()
	h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	reset := int(d.Reset.Seconds())
	if reset < 1 {
		reset = 1
	}
	h.Set("X-RateLimit-Reset", strconv.Itoa(reset))
	c.String(http.StatusTooManyRequests, "Too Many Requests\n")
}

// writeFlat writes a response from a flattened header map. Headers already
// exclude hop-by-hop fields and carry a concrete Content-Length.
func writeFlat(c *gin.Context, status int, headers map[string]string, body []byte) {
	h := c.Writer.Header()
	for k, v := range headers {
		h.Set(k, v)
	}
	c.Writer.WriteHeader(status)
	_, _ = c.Writer.Write(body)
}

// splitAlias parses "/<alias>/<rest>" into its alias and remainder. The
// remainder always begins with "/".
func splitAlias(path string) (alias, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "/"
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:]
	}
	return trimmed, "/"
}

// buildUpstreamURL joins the mapping base, the remaining path, and the
// surviving query parameters.
func buildUpstreamURL(base, rest string, query url.Values) string {
	u := strings.TrimRight(base, "/") + rest
	if enc := query.Encode(); enc != "" {
		u = fmt.Sprintf("%s?%s", u, enc)
	}
	return u
}
