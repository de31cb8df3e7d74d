package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(1<<20), cfg.Security.MaxRequestBytes)
	assert.Equal(t, 5, cfg.Security.SignatureFailThreshold)
	assert.Equal(t, 60, cfg.RateLimit.ExternalRPM)
	assert.Equal(t, 0.1, cfg.Routing.Epsilon)
}

func TestLoader_YAMLOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
rate_limit:
  external_rpm: 10
upstream:
  timeout: 60s
  breaker_threshold: 3
`)
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.RateLimit.ExternalRPM)
	assert.Equal(t, 60*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 3, cfg.Upstream.BreakerThreshold)
	// 未覆盖的保留默认值
	assert.Equal(t, 100_000, cfg.RateLimit.ExternalTPM)
}

func TestLoader_UnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  not_a_real_field: true
`)
	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_a_real_field")
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("GATEFLOW_SERVER_ADDR", ":7070")
	t.Setenv("GATEFLOW_SECURITY_SIGNATURE_SKEW_SECONDS", "120")
	t.Setenv("GATEFLOW_UPSTREAM_TIMEOUT", "45s")
	t.Setenv("GATEFLOW_UPSTREAM_OUTBOUND_WHITELIST", "api.openai.com, api.anthropic.com")
	t.Setenv("GATEFLOW_UPSTREAM_ALLOW_INTERNAL_NETWORKS", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 120, cfg.Security.SignatureSkewSeconds)
	assert.Equal(t, 45*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, []string{"api.openai.com", "api.anthropic.com"}, cfg.Upstream.OutboundWhitelist)
	assert.True(t, cfg.Upstream.AllowInternalNetworks)
}

func TestLoader_EnvBeatsYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\n")
	t.Setenv("GATEFLOW_SERVER_ADDR", ":7070")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Default()
	cfg.Database.Dialect = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Routing.Epsilon = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Security.SignatureFailThreshold = 0
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}
