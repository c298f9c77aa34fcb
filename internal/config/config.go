// Package config loads the proxy configuration from TOML or YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/pior/cacheproxy/internal/tracing"
)

const (
	KB = 1024
	MB = 1024 * KB

	pageSize = 4096

	// MinTTL and MaxTTL bound default_ttl, in seconds.
	MinTTL = 1
	MaxTTL = 4_294_967

	DefaultTTL              = 3600
	DefaultConnectionCount  = 4
	DefaultBufferSize       = 16 * KB
	DefaultMaxRequestBytes  = 100 * MB
	DefaultMaxInflight      = 128
	DefaultAuthTokenEnv     = "CACHEPROXY_AUTH_TOKEN"
	DefaultCallTimeoutMs    = 200
	DefaultDrainTimeoutSecs = 5

	ProtocolMemcache = "memcache"
	ProtocolResp     = "resp"

	BackendMemcached = "memcached"
	BackendRedis     = "redis"
	BackendMemory    = "memory"

	PoolPuddle  = "puddle"
	PoolChannel = "channel"
)

// Admin is the HTTP endpoint serving /metrics, /healthz and /vars.
type Admin struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Host    string `toml:"host" yaml:"host"`
	Port    int    `toml:"port" yaml:"port"`
}

func (a Admin) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

type Proxy struct {
	// Threads sets GOMAXPROCS when positive.
	Threads int `toml:"threads" yaml:"threads"`

	// MaxConnections caps client connections per route. Zero means no limit.
	MaxConnections int `toml:"max_connections" yaml:"max_connections"`

	// DrainTimeoutSeconds is how long shutdown waits for sessions to finish.
	DrainTimeoutSeconds int `toml:"drain_timeout_seconds" yaml:"drain_timeout_seconds"`
}

func (p Proxy) DrainTimeout() time.Duration {
	return time.Duration(p.DrainTimeoutSeconds) * time.Second
}

type Debug struct {
	LogLevel string `toml:"log_level" yaml:"log_level"`
	Format   string `toml:"format" yaml:"format"` // text, json
}

type Breaker struct {
	MaxRequests     uint32 `toml:"max_requests" yaml:"max_requests"`
	IntervalSeconds int    `toml:"interval_seconds" yaml:"interval_seconds"`
	// TimeoutSeconds is how long the breaker stays open. Zero disables it.
	TimeoutSeconds int `toml:"timeout_seconds" yaml:"timeout_seconds"`
}

// Backend describes the remote cache service shared by all routes.
type Backend struct {
	Kind      string   `toml:"kind" yaml:"kind"`
	Endpoints []string `toml:"endpoints" yaml:"endpoints"`
	Pool      string   `toml:"pool" yaml:"pool"`

	CallTimeoutMs              int `toml:"call_timeout_ms" yaml:"call_timeout_ms"`
	DialTimeoutMs              int `toml:"dial_timeout_ms" yaml:"dial_timeout_ms"`
	HealthCheckIntervalSeconds int `toml:"health_check_interval_seconds" yaml:"health_check_interval_seconds"`
	MaxConnLifetimeSeconds     int `toml:"max_conn_lifetime_seconds" yaml:"max_conn_lifetime_seconds"`

	TLS bool `toml:"tls" yaml:"tls"`

	// Username and DB only apply to the redis kind.
	Username string `toml:"username" yaml:"username"`
	DB       int    `toml:"db" yaml:"db"`

	// AuthTokenEnv names the environment variable holding the credential.
	AuthTokenEnv string `toml:"auth_token_env" yaml:"auth_token_env"`
	RequireAuth  bool   `toml:"require_auth" yaml:"require_auth"`

	Breaker Breaker `toml:"breaker" yaml:"breaker"`
}

func (b Backend) CallTimeout() time.Duration {
	return time.Duration(b.CallTimeoutMs) * time.Millisecond
}

func (b Backend) DialTimeout() time.Duration {
	return time.Duration(b.DialTimeoutMs) * time.Millisecond
}

func (b Backend) HealthCheckInterval() time.Duration {
	return time.Duration(b.HealthCheckIntervalSeconds) * time.Second
}

func (b Backend) MaxConnLifetime() time.Duration {
	return time.Duration(b.MaxConnLifetimeSeconds) * time.Second
}

// AuthToken reads the credential from the environment.
func (b Backend) AuthToken() string {
	return os.Getenv(b.AuthTokenEnv)
}

// Route is one listener mapped to one backend namespace.
type Route struct {
	Name      string `toml:"name" yaml:"name"`
	Host      string `toml:"host" yaml:"host"`
	Port      int    `toml:"port" yaml:"port"`
	CacheName string `toml:"cache_name" yaml:"cache_name"`

	// DefaultTTL is in seconds.
	DefaultTTL      int    `toml:"default_ttl" yaml:"default_ttl"`
	ConnectionCount int    `toml:"connection_count" yaml:"connection_count"`
	Protocol        string `toml:"protocol" yaml:"protocol"`

	// Flags defaults to true for memcache routes and false for resp routes.
	Flags *bool `toml:"flags" yaml:"flags"`

	MemoryCacheBytes      int64 `toml:"memory_cache_bytes" yaml:"memory_cache_bytes"`
	MemoryCacheTTLSeconds int   `toml:"memory_cache_ttl_seconds" yaml:"memory_cache_ttl_seconds"`

	BufferSize      int `toml:"buffer_size" yaml:"buffer_size"`
	MaxRequestBytes int `toml:"max_request_bytes" yaml:"max_request_bytes"`
	MaxInflight     int `toml:"max_inflight" yaml:"max_inflight"`

	TLSCert string `toml:"tls_cert" yaml:"tls_cert"`
	TLSKey  string `toml:"tls_key" yaml:"tls_key"`
}

func (r Route) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r Route) TTL() time.Duration {
	return time.Duration(r.DefaultTTL) * time.Second
}

func (r Route) MemoryCacheTTL() time.Duration {
	return time.Duration(r.MemoryCacheTTLSeconds) * time.Second
}

// FlagsEnabled reports whether values carry the 4-byte flags header.
func (r Route) FlagsEnabled() bool {
	if r.Flags != nil {
		return *r.Flags
	}
	return r.Protocol != ProtocolResp
}

func (r Route) TLSEnabled() bool {
	return r.TLSCert != ""
}

// Config is the whole proxy configuration.
type Config struct {
	Admin   Admin          `toml:"admin" yaml:"admin"`
	Proxy   Proxy          `toml:"proxy" yaml:"proxy"`
	Debug   Debug          `toml:"debug" yaml:"debug"`
	Backend Backend        `toml:"backend" yaml:"backend"`
	Tracing tracing.Config `toml:"tracing" yaml:"tracing"`
	Routes  []Route        `toml:"cache" yaml:"cache"`
}

// DefaultConfig returns a Config with every global default set and no route.
func DefaultConfig() *Config {
	return &Config{
		Admin: Admin{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9999,
		},
		Proxy: Proxy{
			DrainTimeoutSeconds: DefaultDrainTimeoutSecs,
		},
		Debug: Debug{
			LogLevel: "info",
			Format:   "text",
		},
		Backend: Backend{
			Kind:                       BackendMemcached,
			Pool:                       PoolPuddle,
			CallTimeoutMs:              DefaultCallTimeoutMs,
			DialTimeoutMs:              1000,
			HealthCheckIntervalSeconds: 10,
			AuthTokenEnv:               DefaultAuthTokenEnv,
			Breaker: Breaker{
				MaxRequests:     1,
				IntervalSeconds: 10,
				TimeoutSeconds:  5,
			},
		},
		Tracing: tracing.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "cacheproxy",
			SampleRate:  1,
		},
	}
}

// Load reads, defaults and validates the file at path. The format follows
// the extension: .toml, .yaml or .yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext, then applies environment
// overrides and defaults and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := DefaultConfig()

	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	LoadFromEnv(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CACHEPROXY_LOG_LEVEL"); v != "" {
		cfg.Debug.LogLevel = v
	}
	if v := os.Getenv("CACHEPROXY_BACKEND_ENDPOINTS"); v != "" {
		cfg.Backend.Endpoints = strings.Split(v, ",")
	}
}

// ApplyDefaults fills unset route fields and rounds buffer sizes.
func (c *Config) ApplyDefaults() {
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.Name == "" {
			r.Name = r.CacheName
		}
		if r.DefaultTTL == 0 {
			r.DefaultTTL = DefaultTTL
		}
		if r.ConnectionCount == 0 {
			r.ConnectionCount = DefaultConnectionCount
		}
		if r.Protocol == "" {
			r.Protocol = ProtocolMemcache
		}
		r.Protocol = strings.ToLower(r.Protocol)
		if r.BufferSize == 0 {
			r.BufferSize = DefaultBufferSize
		}
		r.BufferSize = roundUp(r.BufferSize, pageSize)
		if r.MaxRequestBytes == 0 {
			r.MaxRequestBytes = DefaultMaxRequestBytes
		}
		if r.MaxInflight == 0 {
			r.MaxInflight = DefaultMaxInflight
		}
	}
}

func roundUp(n, multiple int) int {
	if n <= 0 {
		return n
	}
	return (n + multiple - 1) / multiple * multiple
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Routes) == 0 {
		fail("no cache route configured")
	}

	names := map[string]bool{}
	addrs := map[string]string{}
	for i, r := range c.Routes {
		label := r.Name
		if label == "" {
			label = "#" + strconv.Itoa(i)
		}
		prefix := fmt.Sprintf("cache %s", label)

		if names[r.Name] {
			fail("%s: duplicate name", prefix)
		}
		names[r.Name] = true

		if r.CacheName == "" {
			fail("%s: cache_name is required", prefix)
		}
		if r.Host == "" {
			fail("%s: host is required", prefix)
		}
		if r.Port < 1 || r.Port > 65535 {
			fail("%s: port %d is out of range", prefix, r.Port)
		}
		if other, ok := addrs[r.Addr()]; ok {
			fail("%s: listen address %s already used by cache %s", prefix, r.Addr(), other)
		}
		addrs[r.Addr()] = label

		if r.DefaultTTL < MinTTL || r.DefaultTTL > MaxTTL {
			fail("%s: default_ttl %d must be between %d and %d seconds", prefix, r.DefaultTTL, MinTTL, MaxTTL)
		}
		if r.ConnectionCount < 1 {
			fail("%s: connection_count must be at least 1", prefix)
		}
		if r.Protocol != ProtocolMemcache && r.Protocol != ProtocolResp {
			fail("%s: unknown protocol %q", prefix, r.Protocol)
		}
		if r.MemoryCacheBytes < 0 {
			fail("%s: memory_cache_bytes must not be negative", prefix)
		}
		if r.MemoryCacheTTLSeconds < 0 {
			fail("%s: memory_cache_ttl_seconds must not be negative", prefix)
		}
		if r.BufferSize < 0 {
			fail("%s: buffer_size must not be negative", prefix)
		}
		if r.MaxRequestBytes < r.BufferSize {
			fail("%s: max_request_bytes %d is smaller than buffer_size %d", prefix, r.MaxRequestBytes, r.BufferSize)
		}
		if r.MaxInflight < 1 {
			fail("%s: max_inflight must be at least 1", prefix)
		}
		if (r.TLSCert == "") != (r.TLSKey == "") {
			fail("%s: tls_cert and tls_key must be set together", prefix)
		}
	}

	b := c.Backend
	switch b.Kind {
	case BackendMemcached, BackendRedis:
		if len(b.Endpoints) == 0 {
			fail("backend: endpoints are required for kind %s", b.Kind)
		}
		if b.RequireAuth && b.AuthToken() == "" {
			fail("backend: auth token missing, set %s", b.AuthTokenEnv)
		}
	case BackendMemory:
	default:
		fail("backend: unknown kind %q", b.Kind)
	}
	if b.Pool != PoolPuddle && b.Pool != PoolChannel {
		fail("backend: unknown pool %q", b.Pool)
	}
	if b.CallTimeoutMs <= 0 {
		fail("backend: call_timeout_ms must be positive")
	}
	if b.DB < 0 {
		fail("backend: db must not be negative")
	}

	if c.Admin.Enabled && (c.Admin.Port < 0 || c.Admin.Port > 65535) {
		fail("admin: port %d is out of range", c.Admin.Port)
	}
	if c.Proxy.Threads < 0 {
		fail("proxy: threads must not be negative")
	}
	if c.Proxy.MaxConnections < 0 {
		fail("proxy: max_connections must not be negative")
	}

	switch strings.ToLower(c.Debug.Format) {
	case "text", "json":
	default:
		fail("debug: unknown log format %q", c.Debug.Format)
	}
	switch strings.ToLower(c.Debug.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		fail("debug: unknown log level %q", c.Debug.LogLevel)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
