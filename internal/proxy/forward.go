// Package proxy implements the request-processing pipeline: the ordered
// decision chain (authenticate, cache lookup, throttle check, upstream
// fetch, cache store) and the facade external collaborators drive.
//
// This file contains the upstream forwarder: outbound dispatch with a
// bounded timeout, hop-by-hop header hygiene, and response normalization
// (chunked bodies drained to a contiguous buffer, gzip/deflate reversed,
// Content-Length made concrete).
package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// UpstreamResponse is a fully drained upstream reply, normalized for both
// the client and the cache: body is contiguous, headers carry a concrete
// Content-Length and no transfer encoding. gzip and deflate bodies are
// decompressed and lose their Content-Encoding; any other encoding, or a
// body that fails to decode, is kept as received with its Content-Encoding.
type UpstreamResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Latency    time.Duration
}

// hopByHop lists headers that are connection-scoped per RFC 9110 and must
// not be forwarded in either direction.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// Forwarder dispatches rewritten requests to configured upstreams.
// Safe for concurrent use.
type Forwarder struct {
	client *http.Client
}

// NewForwarder constructs a Forwarder with the given total per-request
// timeout. Redirects are never followed; 3xx responses are returned to the
// caller verbatim.
func NewForwarder(timeout time.Duration) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward sends the request upstream and returns the normalized response.
// A non-nil error means the upstream was unreachable (transport failure);
// upstream HTTP error statuses are returned as ordinary responses.
func (f *Forwarder) Forward(ctx context.Context, method, rawURL string, body []byte, inbound http.Header) (*UpstreamResponse, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, err
	}

	copyForwardable(req.Header, inbound)
	// Ask for compressed transfer explicitly; the body is inflated below so
	// cached payloads are always plain bytes.
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Draining the body here collapses any chunked transfer encoding into a
	// contiguous buffer.
	data, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	headers := flattenHeaders(resp.Header)
	data = decodeBody(data, headers)
	headers["Content-Length"] = strconv.Itoa(len(data))

	return &UpstreamResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       data,
		Latency:    latency,
	}, nil
}

// copyForwardable copies inbound headers onto the outbound request,
// dropping hop-by-hop headers, the proxy's own key header, and fields the
// transport recomputes. Authentication-bearing headers (Authorization,
// X-API-Key, cookies) pass through untouched.
func copyForwardable(dst, src http.Header) {
	for name, values := range src {
		low := strings.ToLower(name)
		if _, skip := hopByHop[low]; skip {
			continue
		}
		switch low {
		case "host", "content-length", "accept-encoding", "x-api-buddy-key":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// flattenHeaders reduces an http.Header to a single-valued map, dropping
// hop-by-hop fields. Multi-valued headers keep their first value, which is
// what the original responses from read-mostly reference APIs carry in
// practice.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if _, skip := hopByHop[strings.ToLower(name)]; skip {
			continue
		}
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

// decodeBody reverses gzip or deflate content encoding, trusting the gzip
// magic number over the header when they disagree. On success the
// Content-Encoding key is removed from headers; on failure the body is
// returned untouched.
func decodeBody(data []byte, headers map[string]string) []byte {
	encoding := strings.ToLower(headerValue(headers, "Content-Encoding"))
	gzipMagic := len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b

	var plain []byte
	var err error
	switch {
	case gzipMagic:
		plain, err = gunzip(data)
	case encoding == "gzip":
		plain, err = gunzip(data)
	case encoding == "deflate":
		if plain, err = inflateZlib(data); err != nil {
			// Some servers send raw deflate streams without the zlib wrapper.
			plain, err = inflateRaw(data)
		}
	default:
		return data
	}
	if err != nil {
		return data
	}
	deleteHeader(headers, "Content-Encoding")
	return plain
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func inflateZlib(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func inflateRaw(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

// headerValue looks up a key case-insensitively in a flattened header map.
func headerValue(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// deleteHeader removes a key case-insensitively from a flattened header map.
func deleteHeader(h map[string]string, name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}
