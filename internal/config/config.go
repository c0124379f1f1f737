// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes proxy settings such
// as server timeouts, logging, the cache database, throttling limits,
// security, upstream dispatch, and observability.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DomainMapping describes one configured upstream alias. Mappings are
// immutable after startup; the alias is the first path segment clients use
// to select the upstream.
type DomainMapping struct {
	// Upstream is the base URL requests are rewritten to (required).
	Upstream string `json:"upstream"`
	// TTLSeconds overrides cache.default_ttl_seconds for this alias when > 0.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
	// RatePerHour overrides throttling.default_requests_per_hour when > 0.
	RatePerHour int `json:"rate_limit_per_hour,omitempty"`
}

// SecurityConfig defines the proxy access-key gate.
type SecurityConfig struct {
	RequireSecureKey bool   // REQUIRE_SECURE_KEY
	SecureKey        string // SECURE_KEY (generated at start when empty)
}

// CacheConfig defines the persistent response cache.
type CacheConfig struct {
	DatabasePath      string // SQLite path, or ":memory:" for ephemeral mode
	DefaultTTLSeconds int    // freshness window applied when a mapping has no override
	MaxResponseSize   int    // responses larger than this are never cached (bytes)
	MaxEntries        int    // LRU bound on the number of cached rows
}

// ThrottleConfig defines per-domain rate limiting and progressive back-off.
type ThrottleConfig struct {
	DefaultRequestsPerHour int
	ProgressiveMaxDelay    time.Duration
	DomainLimits           map[string]int // alias -> requests per hour
}

// UpstreamConfig defines outbound dispatch behavior.
type UpstreamConfig struct {
	Timeout time.Duration // connect + total per upstream request
}

// AdminConfig defines the inspection API surface.
type AdminConfig struct {
	Enabled       bool
	RatePerMinute int // per-client-IP budget for /admin routes
}

// CORSConfig defines Cross-Origin Resource Sharing settings for the admin API.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-api-proxy")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the proxy.
type Config struct {
	// Server
	Host              string        // bind address, defaults to loopback
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // must exceed the upstream timeout
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Domain routing
	Domains map[string]DomainMapping // DOMAIN_MAPPINGS (JSON object)

	Security SecurityConfig
	Cache    CacheConfig
	Throttle ThrottleConfig
	Upstream UpstreamConfig
	Admin    AdminConfig
	CORS     CORSConfig
	OTEL     OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Host:              getenv("HOST", "127.0.0.1"),
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		Security: SecurityConfig{
			RequireSecureKey: getbool("REQUIRE_SECURE_KEY", false),
			SecureKey:        getenv("SECURE_KEY", ""),
		},

		Cache: CacheConfig{
			DatabasePath:      getenv("DB_PATH", ":memory:"),
			DefaultTTLSeconds: getint("DEFAULT_TTL_SECONDS", 86400),
			MaxResponseSize:   getint("MAX_CACHE_RESPONSE_SIZE", 10<<20),
			MaxEntries:        getint("MAX_CACHE_ENTRIES", 1000),
		},

		Throttle: ThrottleConfig{
			DefaultRequestsPerHour: getint("DEFAULT_REQUESTS_PER_HOUR", 1000),
			ProgressiveMaxDelay:    time.Duration(getint("PROGRESSIVE_MAX_DELAY", 300)) * time.Second,
		},

		Upstream: UpstreamConfig{
			Timeout: getdur("UPSTREAM_TIMEOUT", 60*time.Second),
		},

		Admin: AdminConfig{
			Enabled:       getbool("ADMIN_ENABLED", true),
			RatePerMinute: getint("ADMIN_RATE_PER_MINUTE", 10),
		},

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-api-proxy"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	var err error
	if cfg.Domains, err = parseDomainMappings(getenv("DOMAIN_MAPPINGS", "{}")); err != nil {
		return cfg, err
	}
	if cfg.Throttle.DomainLimits, err = parseDomainLimits(getenv("DOMAIN_LIMITS", "{}")); err != nil {
		return cfg, err
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.Cache.DatabasePath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Cache.DefaultTTLSeconds <= 0 {
		return cfg, errors.New("DEFAULT_TTL_SECONDS must be > 0")
	}
	if cfg.Cache.MaxResponseSize <= 0 {
		return cfg, errors.New("MAX_CACHE_RESPONSE_SIZE must be > 0")
	}
	if cfg.Cache.MaxEntries <= 0 {
		return cfg, errors.New("MAX_CACHE_ENTRIES must be > 0")
	}
	if cfg.Throttle.DefaultRequestsPerHour <= 0 {
		return cfg, errors.New("DEFAULT_REQUESTS_PER_HOUR must be > 0")
	}
	if cfg.Throttle.ProgressiveMaxDelay <= 0 {
		return cfg, errors.New("PROGRESSIVE_MAX_DELAY must be > 0")
	}
	if cfg.Upstream.Timeout <= 0 {
		return cfg, errors.New("UPSTREAM_TIMEOUT must be > 0")
	}
	if cfg.Admin.RatePerMinute < 1 {
		return cfg, errors.New("ADMIN_RATE_PER_MINUTE must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	for alias := range cfg.Throttle.DomainLimits {
		if _, ok := cfg.Domains[alias]; !ok {
			return cfg, fmt.Errorf("DOMAIN_LIMITS references unknown alias %q", alias)
		}
	}

	return cfg, nil
}

// EffectiveTTL resolves the freshness window for an alias: the mapping's
// override when set, otherwise the cache default.
func (c Config) EffectiveTTL(alias string) int {
	if m, ok := c.Domains[alias]; ok && m.TTLSeconds > 0 {
		return m.TTLSeconds
	}
	return c.Cache.DefaultTTLSeconds
}

// EffectiveRateLimits merges the per-mapping hourly overrides into the
// throttling domain limits. A mapping-level RatePerHour wins over an entry in
// DOMAIN_LIMITS for the same alias.
func (c Config) EffectiveRateLimits() map[string]int {
	out := make(map[string]int, len(c.Throttle.DomainLimits)+len(c.Domains))
	for alias, n := range c.Throttle.DomainLimits {
		out[alias] = n
	}
	for alias, m := range c.Domains {
		if m.RatePerHour > 0 {
			out[alias] = m.RatePerHour
		}
	}
	return out
}

// parseDomainMappings decodes the DOMAIN_MAPPINGS JSON object and validates
// each alias and upstream URL.
func parseDomainMappings(raw string) (map[string]DomainMapping, error) {
	var out map[string]DomainMapping
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("DOMAIN_MAPPINGS: invalid JSON: %w", err)
	}
	for alias, m := range out {
		if strings.TrimSpace(alias) == "" {
			return nil, errors.New("DOMAIN_MAPPINGS: alias must not be empty")
		}
		if strings.Contains(alias, "/") {
			return nil, fmt.Errorf("DOMAIN_MAPPINGS: alias %q must not contain '/'", alias)
		}
		u, err := url.Parse(m.Upstream)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("DOMAIN_MAPPINGS: alias %q needs an absolute http(s) upstream, got %q", alias, m.Upstream)
		}
		if m.TTLSeconds < 0 {
			return nil, fmt.Errorf("DOMAIN_MAPPINGS: alias %q has negative ttl_seconds", alias)
		}
		if m.RatePerHour < 0 {
			return nil, fmt.Errorf("DOMAIN_MAPPINGS: alias %q has negative rate_limit_per_hour", alias)
		}
	}
	if out == nil {
		out = map[string]DomainMapping{}
	}
	return out, nil
}

// parseDomainLimits decodes the DOMAIN_LIMITS JSON object (alias -> requests
// per hour).
func parseDomainLimits(raw string) (map[string]int, error) {
	var out map[string]int
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("DOMAIN_LIMITS: invalid JSON: %w", err)
	}
	for alias, n := range out {
		if n <= 0 {
			return nil, fmt.Errorf("DOMAIN_LIMITS: alias %q must have a positive limit", alias)
		}
	}
	if out == nil {
		out = map[string]int{}
	}
	return out, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
