// Package config holds the gateway's configuration snapshot: an immutable
// value built at boot and replaced wholesale on every successful reload.
// Readers dereference an atomic pointer and never block on a writer.
package config

import (
	"fmt"
	"sync/atomic"
	"time"
)

// PathRewrite describes how a matched route's path is rewritten before
// being forwarded to the upstream.
type PathRewrite struct {
	ReplacePrefix string `yaml:"replacePrefix" json:"replacePrefix,omitempty"`
	RegexMatch    string `yaml:"regexMatch" json:"regexMatch,omitempty"`
	RegexReplace  string `yaml:"regexReplace" json:"regexReplace,omitempty"`
}

// CircuitBreakerOverride lets a route replace the global breaker parameters.
type CircuitBreakerOverride struct {
	FailureThreshold    int `yaml:"failureThreshold" json:"failureThreshold,omitempty"`
	HalfOpenTimeoutSecs int `yaml:"halfOpenTimeoutSecs" json:"halfOpenTimeoutSecs,omitempty"`
}

// Route is a declarative mapping from a path prefix to a backend service.
type Route struct {
	ID             string            `yaml:"id" json:"id"`
	PathPrefix     string            `yaml:"pathPrefix" json:"pathPrefix"`
	ServiceType    string            `yaml:"serviceType" json:"serviceType"`
	ServiceName    string            `yaml:"serviceName" json:"serviceName"`
	RequireAuth    bool              `yaml:"requireAuth" json:"requireAuth"`
	Methods        []string          `yaml:"methods" json:"methods,omitempty"`
	HeaderRewrites map[string]string `yaml:"headerRewrites" json:"headerRewrites,omitempty"`
	PathRewrite    *PathRewrite      `yaml:"pathRewrite" json:"pathRewrite,omitempty"`
	Protocol       string            `yaml:"protocol" json:"protocol,omitempty"` // "http" (default) or "grpc"

	CircuitBreaker            *CircuitBreakerOverride `yaml:"circuitBreaker" json:"circuitBreaker,omitempty"`
	DistributedRateLimit      bool                    `yaml:"distributedRateLimit" json:"distributedRateLimit,omitempty"`
	DistributedCircuitBreaker bool                    `yaml:"distributedCircuitBreaker" json:"distributedCircuitBreaker,omitempty"`
	CORS                      *CORSConfig             `yaml:"cors" json:"cors,omitempty"`
}

// CORSConfig configures cross-origin handling for a route.
type CORSConfig struct {
	Enabled             bool     `yaml:"enabled" json:"enabled"`
	AllowOrigins        []string `yaml:"allowOrigins" json:"allowOrigins,omitempty"`
	AllowOriginPatterns []string `yaml:"allowOriginPatterns" json:"allowOriginPatterns,omitempty"`
	AllowMethods        []string `yaml:"allowMethods" json:"allowMethods,omitempty"`
	AllowHeaders        []string `yaml:"allowHeaders" json:"allowHeaders,omitempty"`
	ExposeHeaders       []string `yaml:"exposeHeaders" json:"exposeHeaders,omitempty"`
	AllowCredentials    bool     `yaml:"allowCredentials" json:"allowCredentials,omitempty"`
	AllowPrivateNetwork bool     `yaml:"allowPrivateNetwork" json:"allowPrivateNetwork,omitempty"`
	MaxAge              int      `yaml:"maxAge" json:"maxAge,omitempty"`
}

// RateRule is a token-bucket specification: burst capacity and steady refill rate.
type RateRule struct {
	PathPrefix        string  `yaml:"pathPrefix" json:"pathPrefix,omitempty"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	BurstSize         int     `yaml:"burstSize" json:"burstSize"`
}

// RateLimitConfig collects every tier of rate limiting the gateway enforces.
type RateLimitConfig struct {
	Global RateRule `yaml:"global" json:"global"`

	PathRules []RateRule `yaml:"pathRules" json:"pathRules,omitempty"`

	// IPDefault is the template every client IP gets a bucket from on first
	// use. IPRules overrides it for specific addresses (e.g. known abusers).
	IPDefault RateRule            `yaml:"ipDefault" json:"ipDefault,omitempty"`
	IPRules   map[string]RateRule `yaml:"ipRules" json:"ipRules,omitempty"`

	// APIKeyRules is keyed by the literal API key; unrecognised keys skip
	// this tier entirely rather than falling back to a default.
	APIKeyRules map[string]RateRule `yaml:"apiKeyRules" json:"apiKeyRules,omitempty"`

	// Distributed, when set, points routes opting into DistributedRateLimit
	// at a shared Redis instance, checked in addition to the in-process buckets.
	Distributed *RedisConfig `yaml:"distributed" json:"distributed,omitempty"`
}

// RedisConfig addresses the Redis instance backing distributed rate limiting
// or distributed circuit breaking.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db,omitempty"`
}

// JWTConfig configures the JWT auth scheme.
type JWTConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	Secret         string   `yaml:"secret" json:"secret"`
	Header         string   `yaml:"header" json:"header,omitempty"`
	VerifyIssuer   bool     `yaml:"verifyIssuer" json:"verifyIssuer,omitempty"`
	AllowedIssuers []string `yaml:"allowedIssuers" json:"allowedIssuers,omitempty"`
}

// APIKeyEntry is one row of the static API-key table.
type APIKeyEntry struct {
	Name        string    `yaml:"name" json:"name"`
	UserID      int64     `yaml:"userId" json:"userId"`
	Enabled     bool      `yaml:"enabled" json:"enabled"`
	ExpiresAt   time.Time `yaml:"expiresAt" json:"expiresAt,omitempty"`
	Permissions []string  `yaml:"permissions" json:"permissions,omitempty"`
}

// APIKeyConfig configures the API-key auth scheme.
type APIKeyConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Header  string                 `yaml:"header" json:"header,omitempty"`
	Keys    map[string]APIKeyEntry `yaml:"keys" json:"keys,omitempty"`
}

// OAuth2Config configures the OAuth2 bearer auth scheme.
type OAuth2Config struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	UserinfoURL  string `yaml:"userinfoUrl" json:"userinfoUrl,omitempty"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// AuthConfig bundles the three mutually-exclusive auth schemes plus bypass lists.
type AuthConfig struct {
	JWT            JWTConfig    `yaml:"jwt" json:"jwt"`
	APIKey         APIKeyConfig `yaml:"apiKey" json:"apiKey"`
	OAuth2         OAuth2Config `yaml:"oauth2" json:"oauth2"`
	IPWhitelist    []string     `yaml:"ipWhitelist" json:"ipWhitelist,omitempty"`
	PathWhitelist  []string     `yaml:"pathWhitelist" json:"pathWhitelist,omitempty"`
}

// CircuitBreakerConfig is the global breaker default every lazily-created
// breaker inherits unless a route overrides it. A HalfOpen probe is decided
// by a single outcome — success closes the breaker, failure reopens it —
// so there's no successThreshold/halfOpenRequests knob to configure.
type CircuitBreakerConfig struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold    int           `yaml:"failureThreshold" json:"failureThreshold"`
	HalfOpenTimeoutSecs int           `yaml:"halfOpenTimeoutSecs" json:"halfOpenTimeoutSecs"`
	Timeout             time.Duration `yaml:"-" json:"-"`

	// Distributed, when set, points routes opting into
	// DistributedCircuitBreaker at a shared Redis instance holding breaker
	// state instead of the in-process table.
	Distributed *RedisConfig `yaml:"distributed" json:"distributed,omitempty"`
}

// ResetTimeout returns HalfOpenTimeoutSecs as a time.Duration.
func (c CircuitBreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.HalfOpenTimeoutSecs) * time.Second
}

// RetryConfig parameterises the proxy's connection-error retry loop.
type RetryConfig struct {
	MaxRetries      int `yaml:"maxRetries" json:"maxRetries"`
	RetryIntervalMs int `yaml:"retryIntervalMs" json:"retryIntervalMs"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	EnableOpenTelemetry bool    `yaml:"enableOpentelemetry" json:"enableOpentelemetry"`
	JaegerEndpoint      string  `yaml:"jaegerEndpoint" json:"jaegerEndpoint,omitempty"`
	SamplingRatio       float64 `yaml:"samplingRatio" json:"samplingRatio,omitempty"`
}

// LoggingConfig configures the zap logger and its lumberjack rotation sink.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level,omitempty"`
	Output     string `yaml:"output" json:"output,omitempty"` // "stdout" or a file path
	MaxSizeMB  int    `yaml:"maxSizeMB" json:"maxSizeMB,omitempty"`
	MaxBackups int    `yaml:"maxBackups" json:"maxBackups,omitempty"`
	MaxAgeDays int    `yaml:"maxAgeDays" json:"maxAgeDays,omitempty"`
	Compress   bool   `yaml:"compress" json:"compress,omitempty"`
}

// ServerConfig bounds the gateway's own HTTP server timeouts.
type ServerConfig struct {
	ReadTimeout  time.Duration `yaml:"readTimeout" json:"readTimeout,omitempty"`
	WriteTimeout time.Duration `yaml:"writeTimeout" json:"writeTimeout,omitempty"`
	IdleTimeout  time.Duration `yaml:"idleTimeout" json:"idleTimeout,omitempty"`
}

// ConsulConfig addresses the Consul agent backing service discovery.
type ConsulConfig struct {
	Address    string `yaml:"address" json:"address,omitempty"`
	Scheme     string `yaml:"scheme" json:"scheme,omitempty"`
	Datacenter string `yaml:"datacenter" json:"datacenter,omitempty"`
	Token      string `yaml:"token" json:"token,omitempty"`
}

// RegistryConfig selects and parameterises the service discovery backend.
type RegistryConfig struct {
	Type   string       `yaml:"type" json:"type"` // "consul" or "memory"
	Consul ConsulConfig `yaml:"consul" json:"consul,omitempty"`
}

// Snapshot is one immutable generation of the complete gateway configuration.
type Snapshot struct {
	Routes []Route `yaml:"routes" json:"routes"`

	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Server         ServerConfig         `yaml:"server" json:"server"`
	Registry       RegistryConfig       `yaml:"registry" json:"registry"`

	ConsulURL              string        `yaml:"consulUrl" json:"consulUrl"`
	ServiceRefreshInterval time.Duration `yaml:"serviceRefreshInterval" json:"serviceRefreshInterval"`
	MetricsEndpoint        string        `yaml:"metricsEndpoint" json:"metricsEndpoint"`

	MaxBodyBytes      int64         `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	RequestTimeout    time.Duration `yaml:"requestTimeout" json:"requestTimeout"`
	Generation        int64         `yaml:"-" json:"-"`
}

// Validate checks the cross-field invariants the rest of the gateway relies
// on: every route prefix is rooted, every route names a service.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("config: nil snapshot")
	}
	for _, r := range s.Routes {
		if r.PathPrefix == "" || r.PathPrefix[0] != '/' {
			return fmt.Errorf("config: route %q has invalid pathPrefix %q", r.ID, r.PathPrefix)
		}
		if r.ServiceName == "" {
			return fmt.Errorf("config: route %q has no serviceName", r.ID)
		}
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = 10 << 20
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 30 * time.Second
	}
	return nil
}

// Holder owns the atomic pointer to the current Snapshot. Zero value is not
// usable; construct with NewHolder.
type Holder struct {
	ptr atomic.Pointer[Snapshot]
}

// NewHolder wraps an already-validated initial snapshot.
func NewHolder(initial *Snapshot) *Holder {
	h := &Holder{}
	h.ptr.Store(initial)
	return h
}

// Current returns the live snapshot in O(1); never blocks.
func (h *Holder) Current() *Snapshot {
	return h.ptr.Load()
}

// Swap atomically replaces the live snapshot. Callers must Validate first.
func (h *Holder) Swap(next *Snapshot) {
	h.ptr.Store(next)
}
