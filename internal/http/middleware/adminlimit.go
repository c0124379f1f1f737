// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements a lightweight, in-memory, token-bucket rate limiter
// guarding the admin inspection endpoints. It keeps one bucket per client
// IP with opportunistic garbage collection, using golang.org/x/time/rate.
//
// The limiter is deliberately separate from the proxy's own per-domain
// throttle manager: the admin API protects against local tooling gone wild,
// while the throttle manager protects upstreams. Neither consults the other.
//
// Notes:
//   - This limiter is process-local, which matches the proxy's single-host
//     deployment model.
//   - It is an abuse control, not an authorization mechanism.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// adminVisitor holds a single rate limiter and the last time it was seen.
// Used to opportunistically evict idle buckets.
type adminVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AdminLimiter implements a per-client-IP token-bucket rate limiter for the
// admin API.
//
// Buckets are created on demand and stored in an internal map guarded by a
// mutex. Idle buckets are evicted after a TTL via opportunistic cleanup
// during lookups to keep memory usage bounded.
//
// This type is safe for concurrent use.
type AdminLimiter struct {
	rps      rate.Limit
	burst    int
	mu       sync.Mutex
	visitors map[string]*adminVisitor

	ttl      time.Duration
	cleanupN uint64
}

// NewAdminLimiter constructs a limiter allowing perMinute requests per
// client IP, with a burst of the same size. Values <= 0 are coerced to 1.
func NewAdminLimiter(perMinute int) *AdminLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &AdminLimiter{
		rps:      rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		visitors: make(map[string]*adminVisitor),
		ttl:      10 * time.Minute, // evict idle entries after TTL
	}
}

// getVisitor returns (and updates) the limiter for key, creating it if
// absent. It also performs opportunistic GC of idle entries after ~1000
// lookups, running the sweep before touching the requested visitor so an
// idle bucket can be evicted even when it is the one being fetched.
func (al *AdminLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	al.mu.Lock()
	al.cleanupN++
	if al.cleanupN >= 1000 {
		for k, vv := range al.visitors {
			if now.Sub(vv.lastSeen) >= al.ttl {
				delete(al.visitors, k)
			}
		}
		al.cleanupN = 0
	}

	if v, ok := al.visitors[key]; ok {
		v.lastSeen = now
		lim := v.limiter
		al.mu.Unlock()
		return lim
	}

	lim := rate.NewLimiter(al.rps, al.burst)
	al.visitors[key] = &adminVisitor{limiter: lim, lastSeen: now}
	al.mu.Unlock()
	return lim
}

// Handler returns a Gin middleware that enforces the per-IP budget. Denied
// requests receive a 429 with a compact JSON body and a minimal Retry-After
// header.
func (al *AdminLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lim := al.getVisitor(c.ClientIP())
		if lim.Allow() {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    "admin rate limit exceeded",
		})
	}
}
