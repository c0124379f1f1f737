// Package cache implements the content-addressed response cache: request
// fingerprinting, TTL-aware lookup and store, transparent payload
// compression, and LRU eviction. This file covers fingerprint generation.
//
// Two requests with the same fingerprint are interchangeable for cache
// purposes, so the digest must be stable across processes and insensitive to
// irrelevant variation (query parameter order, trailing slashes, JSON key
// order in bodies).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
)

// Fingerprint derives the 256-bit cache key for a request as a hex string.
// Inputs are the HTTP method, the fully rewritten upstream URL, the raw body
// bytes (nil for bodyless requests), and the Content-Type header value.
func Fingerprint(method, rawURL string, body []byte, contentType string) string {
	parts := []string{
		strings.ToUpper(method),
		normalizeURL(rawURL),
		canonicalBody(body, contentType),
		strings.ToLower(strings.TrimSpace(contentType)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// normalizeURL lowercases the scheme and host, sorts query parameters, and
// strips insignificant trailing slashes so equivalent URLs collide.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}

	// url.Values.Encode sorts by key; ties on the same key keep their order.
	q := u.Query()
	u.RawQuery = q.Encode()
	return u.String()
}

// canonicalBody returns a stable representation of the request body. JSON
// objects are re-encoded with sorted top-level keys; everything else (and
// malformed JSON) falls back to a digest of the raw bytes.
func canonicalBody(body []byte, contentType string) string {
	if len(body) == 0 {
		return ""
	}
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		var top map[string]json.RawMessage
		if err := json.Unmarshal(body, &top); err == nil {
			keys := make([]string, 0, len(top))
			for k := range top {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var b strings.Builder
			b.WriteByte('{')
			for i, k := range keys {
				if i > 0 {
					b.WriteByte(',')
				}
				kb, _ := json.Marshal(k)
				b.Write(kb)
				b.WriteByte(':')
				b.Write(top[k])
			}
			b.WriteByte('}')
			return b.String()
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
