package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8443", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sim", cfg.KMS.ConnectorType)
	assert.Equal(t, 10, cfg.RESTPool.ConnectionPoolSize)
	assert.Equal(t, 600, cfg.Cache.CipherKeyTTLSecs)
}

func TestLoadConfig_MissingFileIsNotError(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sim", cfg.KMS.ConnectorType)
}

func TestLoadConfig_YAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ekp.yaml")
	yaml := "listen_addr: \":9999\"\nkms:\n  connector_type: rest\n  rest_endpoint: https://kms.internal:8443\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "rest", cfg.KMS.ConnectorType)
	assert.Equal(t, "https://kms.internal:8443", cfg.KMS.RESTEndpoint)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":7000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CACHE_CIPHER_KEY_TTL_SECS", "120")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 120, cfg.Cache.CipherKeyTTLSecs)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ekp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9999\"\n"), 0o644))
	t.Setenv("LISTEN_ADDR", ":7000")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
}

func TestValidate_RESTConnectorRequiresEndpoint(t *testing.T) {
	cfg := defaults()
	cfg.KMS.ConnectorType = "rest"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rest_endpoint")
}

func TestValidate_UnknownConnectorType(t *testing.T) {
	cfg := defaults()
	cfg.KMS.ConnectorType = "bogus"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connector_type")
}

func TestValidate_PerfDelaysMustParse(t *testing.T) {
	cfg := defaults()
	cfg.KMS.ConnectorType = "perf"
	cfg.KMS.PerfMinDelay = "not-a-duration"
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_TLSRequiresCertAndKey(t *testing.T) {
	cfg := defaults()
	cfg.TLS.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls")
}

func TestValidate_UnknownTracingExporter(t *testing.T) {
	cfg := defaults()
	cfg.Tracing.Exporter = "bogus"
	err := cfg.Validate()
	require.Error(t, err)
}
