package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const exampleTOML = `
[admin]
host = "0.0.0.0"
port = 9999

[proxy]
threads = 4

[debug]
log_level = "debug"
format = "json"

[backend]
kind = "memcached"
endpoints = ["10.0.0.1:11211", "10.0.0.2:11211"]
call_timeout_ms = 150

[backend.breaker]
timeout_seconds = 0

[tracing]
enabled = true
endpoint = "otel:4318"

[[cache]]
host = "127.0.0.1"
port = 11211
cache_name = "sessions"
default_ttl = 900
memory_cache_bytes = 1048576
buffer_size = 5000

[[cache]]
name = "counters"
host = "127.0.0.1"
port = 6379
cache_name = "counters"
protocol = "RESP"
`

func TestParseTOML(t *testing.T) {
	cfg, err := Parse([]byte(exampleTOML), ".toml")
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9999", cfg.Admin.Addr())
	require.True(t, cfg.Admin.Enabled)
	require.Equal(t, 4, cfg.Proxy.Threads)
	require.Equal(t, "debug", cfg.Debug.LogLevel)
	require.Equal(t, "json", cfg.Debug.Format)

	require.Equal(t, []string{"10.0.0.1:11211", "10.0.0.2:11211"}, cfg.Backend.Endpoints)
	require.Equal(t, 150*time.Millisecond, cfg.Backend.CallTimeout())
	require.Equal(t, PoolPuddle, cfg.Backend.Pool)
	require.Equal(t, uint32(1), cfg.Backend.Breaker.MaxRequests)
	require.Zero(t, cfg.Backend.Breaker.TimeoutSeconds)

	require.True(t, cfg.Tracing.Enabled)
	require.Equal(t, "otel:4318", cfg.Tracing.Endpoint)
	require.Equal(t, "cacheproxy", cfg.Tracing.ServiceName)

	require.Len(t, cfg.Routes, 2)

	sessions := cfg.Routes[0]
	require.Equal(t, "sessions", sessions.Name)
	require.Equal(t, "127.0.0.1:11211", sessions.Addr())
	require.Equal(t, 900*time.Second, sessions.TTL())
	require.Equal(t, ProtocolMemcache, sessions.Protocol)
	require.True(t, sessions.FlagsEnabled())
	require.Equal(t, 8192, sessions.BufferSize)
	require.Equal(t, DefaultConnectionCount, sessions.ConnectionCount)
	require.Equal(t, int64(1048576), sessions.MemoryCacheBytes)

	counters := cfg.Routes[1]
	require.Equal(t, ProtocolResp, counters.Protocol)
	require.False(t, counters.FlagsEnabled())
	require.Equal(t, DefaultTTL*time.Second, counters.TTL())
	require.Equal(t, DefaultBufferSize, counters.BufferSize)
	require.Equal(t, DefaultMaxRequestBytes, counters.MaxRequestBytes)
	require.Equal(t, DefaultMaxInflight, counters.MaxInflight)
}

func TestParseYAML(t *testing.T) {
	data := `
backend:
  kind: memory
cache:
  - host: localhost
    port: 6380
    cache_name: items
    protocol: resp
    flags: true
    tls_cert: cert.pem
    tls_key: key.pem
`
	cfg, err := Parse([]byte(data), ".yml")
	require.NoError(t, err)

	require.Len(t, cfg.Routes, 1)
	r := cfg.Routes[0]
	require.Equal(t, "items", r.Name)
	require.True(t, r.FlagsEnabled(), "explicit flags overrides the protocol default")
	require.True(t, r.TLSEnabled())
	require.Equal(t, BackendMemory, cfg.Backend.Kind)
}

func TestParseUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("[backend]\nkind = \"memory\"\nendpoint = \"x\"\n"), ".toml")
	require.EqualError(t, err, `unknown config key "backend.endpoint"`)

	_, err = Parse([]byte("backend:\n  kynd: memory\n"), ".yaml")
	require.ErrorContains(t, err, "field kynd not found")
}

func TestParseUnsupportedFormat(t *testing.T) {
	_, err := Parse([]byte("{}"), ".json")
	require.EqualError(t, err, `unsupported config format ".json"`)
}

func TestValidate(t *testing.T) {
	data := `
[backend]
kind = "redis"
pool = "lifo"
require_auth = true
auth_token_env = "CACHEPROXY_TEST_MISSING_TOKEN"

[[cache]]
name = "a"
host = "127.0.0.1"
port = 11211
cache_name = ""
default_ttl = 5000000
protocol = "http"

[[cache]]
name = "a"
host = "127.0.0.1"
port = 11211
cache_name = "b"
max_inflight = -1
tls_cert = "cert.pem"
`
	_, err := Parse([]byte(data), ".toml")
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"cache a: cache_name is required",
		"cache a: default_ttl 5000000 must be between 1 and 4294967 seconds",
		`cache a: unknown protocol "http"`,
		"cache a: duplicate name",
		"cache a: listen address 127.0.0.1:11211 already used by cache a",
		"cache a: max_inflight must be at least 1",
		"cache a: tls_cert and tls_key must be set together",
		"backend: endpoints are required for kind redis",
		"backend: auth token missing, set CACHEPROXY_TEST_MISSING_TOKEN",
		`backend: unknown pool "lifo"`,
	} {
		require.Contains(t, msg, want)
	}
}

func TestValidateNoRoutes(t *testing.T) {
	_, err := Parse([]byte("[backend]\nkind = \"memory\"\n"), ".toml")
	require.ErrorContains(t, err, "no cache route configured")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CACHEPROXY_LOG_LEVEL", "warn")
	t.Setenv("CACHEPROXY_BACKEND_ENDPOINTS", "a:1,b:2")
	t.Setenv("CACHEPROXY_TEST_TOKEN", "secret")

	data := `
[backend]
kind = "redis"
require_auth = true
auth_token_env = "CACHEPROXY_TEST_TOKEN"

[[cache]]
host = "127.0.0.1"
port = 6379
cache_name = "c"
protocol = "resp"
`
	cfg, err := Parse([]byte(data), ".toml")
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Debug.LogLevel)
	require.Equal(t, []string{"a:1", "b:2"}, cfg.Backend.Endpoints)
	require.Equal(t, "secret", cfg.Backend.AuthToken())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(exampleTOML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Routes, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
