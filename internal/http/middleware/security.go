// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, a hardening middleware that attaches a
// conservative set of HTTP security headers to the admin API responses. The
// proxied traffic itself is never touched: upstream responses must reach the
// client byte-for-byte, so this middleware is mounted on the admin group
// only.
package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityOptions configures the headers emitted by SecurityHeaders.
//
// NoStore, when true, adds Cache-Control: no-store (plus legacy
// Pragma/Expires) so admin responses, which may include sanitized
// configuration, are never cached by intermediaries.
type SecurityOptions struct {
	NoStore bool
}

// SecurityHeaders returns a Gin middleware that adds baseline hardening
// headers to each response:
//
//	X-Content-Type-Options: nosniff
//	X-Frame-Options: DENY
//	Referrer-Policy: no-referrer
//
// and, when NoStore is set, the cache suppression trio. Safe to use
// alongside CORS and logging middlewares.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		c.Next()
	}
}
