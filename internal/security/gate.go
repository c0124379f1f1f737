// Package security implements the per-request access gate: generation of
// the shared proxy key, extraction of a candidate key from the request, and
// constant-time validation.
//
// Clients may present the key in any of four positions, checked in priority
// order:
//
//  1. the X-API-Buddy-Key header
//  2. an Authorization: Bearer header
//  3. the "key" query parameter
//  4. the first path segment, when it equals the configured key
//
// When the gate is disabled it admits everything and never strips a path
// segment, whatever the segment contains.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
)

// HeaderKey is the dedicated request header carrying the proxy access key.
const HeaderKey = "X-API-Buddy-Key"

// QueryKey is the query parameter carrying the proxy access key.
const QueryKey = "key"

// Source identifies where an extracted key came from.
type Source string

const (
	SourceNone   Source = ""
	SourceHeader Source = "header"
	SourceBearer Source = "bearer"
	SourceQuery  Source = "query"
	SourcePath   Source = "path"
)

// Gate validates the shared proxy access key. Immutable after construction;
// safe for concurrent use without synchronization.
type Gate struct {
	enabled bool
	key     string
}

// New constructs a Gate. When enabled and no key is configured, a 256-bit
// random key is generated; callers expose it once through the facade so
// clients can be pointed at it.
func New(enabled bool, key string) (*Gate, error) {
	if enabled && key == "" {
		k, err := generateKey()
		if err != nil {
			return nil, err
		}
		key = k
	}
	return &Gate{enabled: enabled, key: key}, nil
}

// Enabled reports whether the gate rejects unauthenticated requests.
func (g *Gate) Enabled() bool { return g.enabled }

// Key returns the configured (or generated) access key. Empty when the gate
// is disabled and no key was configured.
func (g *Gate) Key() string { return g.key }

// Extract pulls a candidate key from the request, returning the key, its
// source, and the path with any consumed leading key segment removed.
// The path is only rewritten when the gate is enabled and the first segment
// equals the configured key; in every other case it is returned verbatim.
func (g *Gate) Extract(path string, header http.Header, query url.Values) (key string, src Source, strippedPath string) {
	strippedPath = path

	if v := header.Get(HeaderKey); v != "" {
		return v, SourceHeader, strippedPath
	}
	if auth := header.Get("Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:]), SourceBearer, strippedPath
		}
	}
	if v := query.Get(QueryKey); v != "" {
		return v, SourceQuery, strippedPath
	}

	if !g.enabled {
		return "", SourceNone, strippedPath
	}
	seg, rest := splitFirstSegment(path)
	if seg != "" && g.Validate(seg) {
		return seg, SourcePath, rest
	}
	return "", SourceNone, strippedPath
}

// Validate checks a candidate key in constant time. It always succeeds when
// the gate is disabled.
func (g *Gate) Validate(candidate string) bool {
	if !g.enabled {
		return true
	}
	if g.key == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(g.key), []byte(candidate)) == 1
}

// generateKey returns a URL-safe base64 encoding of 32 random bytes,
// unpadded.
func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// splitFirstSegment splits "/a/b/c" into ("a", "/b/c"). A path with a
// single segment yields ("a", "/").
func splitFirstSegment(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", path
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:]
	}
	return trimmed, "/"
}
