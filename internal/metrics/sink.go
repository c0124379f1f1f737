// Package metrics implements the event sink the pipeline reports into at
// every decision point: a bounded ring of recent events, per-domain
// counters, and Prometheus collectors exported on /metrics.
//
// Label cardinality stays bounded because the only label is the configured
// domain alias (plus the event kind), both drawn from small fixed sets.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EventKind enumerates the pipeline decision points.
type EventKind string

const (
	EventRequestReceived EventKind = "request_received"
	EventAuthPass        EventKind = "auth_pass"
	EventAuthFail        EventKind = "auth_fail"
	EventCacheHit        EventKind = "cache_hit"
	EventCacheMiss       EventKind = "cache_miss"
	EventThrottled       EventKind = "throttled"
	EventUpstreamOK      EventKind = "upstream_ok"
	EventUpstreamError   EventKind = "upstream_error"
	EventCacheStore      EventKind = "cache_store"
)

// Event is one recorded pipeline decision.
type Event struct {
	TS        time.Time         `json:"ts"`
	Kind      EventKind         `json:"kind"`
	Domain    string            `json:"domain,omitempty"`
	LatencyMS int64             `json:"latency_ms,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// DomainCounters aggregates per-domain traffic.
type DomainCounters struct {
	Requests       int64 `json:"requests"`
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Throttled      int64 `json:"throttled"`
	UpstreamErrors int64 `json:"upstream_errors"`
	BytesServed    int64 `json:"bytes_served"`
}

// Snapshot is an immutable view of the sink handed to external collaborators.
type Snapshot struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Counters      map[string]DomainCounters `json:"counters"`
	Events        []Event                   `json:"events"` // oldest first
}

var (
	// proxyEvents counts pipeline events by kind and domain alias.
	proxyEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_events_total",
			Help: "Total number of proxy pipeline events.",
		},
		[]string{"kind", "domain"},
	)

	// upstreamLat records upstream round-trip duration in seconds per domain.
	upstreamLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_upstream_duration_seconds",
			Help:    "Duration of upstream requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain"},
	)

	// bytesServed counts response payload bytes returned to clients per domain.
	bytesServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_bytes_served_total",
			Help: "Response payload bytes served to clients.",
		},
		[]string{"domain"},
	)
)

func init() {
	prometheus.MustRegister(proxyEvents, upstreamLat, bytesServed)
}

// Sink is the thread-safe event recorder. The ring keeps the newest
// capacity events; older ones are overwritten.
type Sink struct {
	mu       sync.Mutex
	ring     []Event
	next     int
	filled   bool
	counters map[string]*DomainCounters
	start    time.Time
}

// New constructs a Sink retaining at most capacity events.
func New(capacity int) *Sink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Sink{
		ring:     make([]Event, capacity),
		counters: make(map[string]*DomainCounters),
		start:    time.Now(),
	}
}

// Record appends an event, updates the per-domain counters, and mirrors the
// observation into the Prometheus collectors.
func (s *Sink) Record(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	s.mu.Lock()
	s.ring[s.next] = ev
	s.next++
	if s.next == len(s.ring) {
		s.next = 0
		s.filled = true
	}
	if ev.Domain != "" {
		c := s.counters[ev.Domain]
		if c == nil {
			c = &DomainCounters{}
			s.counters[ev.Domain] = c
		}
		switch ev.Kind {
		case EventRequestReceived:
			c.Requests++
		case EventCacheHit:
			c.Hits++
		case EventCacheMiss:
			c.Misses++
		case EventThrottled:
			c.Throttled++
		case EventUpstreamError:
			c.UpstreamErrors++
		}
	}
	s.mu.Unlock()

	proxyEvents.WithLabelValues(string(ev.Kind), ev.Domain).Inc()
	if ev.Kind == EventUpstreamOK || ev.Kind == EventUpstreamError {
		upstreamLat.WithLabelValues(ev.Domain).Observe(float64(ev.LatencyMS) / 1000.0)
	}
}

// AddBytesServed accumulates response payload bytes for a domain.
func (s *Sink) AddBytesServed(domain string, n int64) {
	if n <= 0 || domain == "" {
		return
	}
	s.mu.Lock()
	c := s.counters[domain]
	if c == nil {
		c = &DomainCounters{}
		s.counters[domain] = c
	}
	c.BytesServed += n
	s.mu.Unlock()

	bytesServed.WithLabelValues(domain).Add(float64(n))
}

// Snapshot returns a copy of the counters and the retained events, oldest
// first.
func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters := make(map[string]DomainCounters, len(s.counters))
	for d, c := range s.counters {
		counters[d] = *c
	}

	var events []Event
	if s.filled {
		events = make([]Event, 0, len(s.ring))
		events = append(events, s.ring[s.next:]...)
		events = append(events, s.ring[:s.next]...)
	} else {
		events = append([]Event(nil), s.ring[:s.next]...)
	}

	return Snapshot{
		UptimeSeconds: time.Since(s.start).Seconds(),
		Counters:      counters,
		Events:        events,
	}
}
