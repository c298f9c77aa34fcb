package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  kind: memory
cache:
  - host: 127.0.0.1
    port: 11211
    cache_name: sessions
    default_ttl: 600
`), 0o600))

	out, err := execute(t, validateCmd(), "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "sessions")
	require.Contains(t, out, "127.0.0.1:11211")
	require.Contains(t, out, "10m0s")
	require.Contains(t, out, "backend: memory")
}

func TestValidateCmdRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.toml")
	require.NoError(t, os.WriteFile(path, []byte("[backend]\nkind = \"memory\"\n"), 0o600))

	_, err := execute(t, validateCmd(), path)
	require.ErrorContains(t, err, "no cache route configured")

	_, err = execute(t, validateCmd())
	require.ErrorContains(t, err, "configuration file is required")
}

func TestStatsCmd(t *testing.T) {
	out, err := execute(t, statsCmd())
	require.NoError(t, err)
	require.Contains(t, out, "cacheproxy_requests_total")
	require.Contains(t, out, "cacheproxy_pool_connections")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, versionCmd())
	require.NoError(t, err)
	require.Equal(t, version+"\n", out)
}
