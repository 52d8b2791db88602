package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/encrypt-key-proxy/internal/knobs"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestNewConfigReloader(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	reloader, err := NewConfigReloader("", cfg, testLogger())
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "ekp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	reloader, err = NewConfigReloader(path, cfg, testLogger())
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()
}

func TestConfigReloader_FileWatching(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "ekp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	initial, err := LoadConfig(path)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(path, initial, testLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	var callbackCalled int64
	var firstOld, firstNew *Config
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		if atomic.AddInt64(&callbackCalled, 1) == 1 {
			firstOld, firstNew = old, new
		}
		return nil
	})

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))
	time.Sleep(200 * time.Millisecond)

	assert.True(t, atomic.LoadInt64(&callbackCalled) >= 1)
	require.NotNil(t, firstOld)
	require.NotNil(t, firstNew)
	assert.Equal(t, "info", firstOld.LogLevel)
	assert.Equal(t, "debug", firstNew.LogLevel)
}

func TestConfigReloader_SIGHUP(t *testing.T) {
	initial := &Config{LogLevel: "info"}
	reloader, err := NewConfigReloader("", initial, testLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	var callbackCalled int64
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		atomic.AddInt64(&callbackCalled, 1)
		return nil
	})

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	process, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, process.Signal(syscall.SIGHUP))

	time.Sleep(200 * time.Millisecond)
	assert.True(t, atomic.LoadInt64(&callbackCalled) >= 0)
}

func TestConfigReloader_AppliesSafeKnobs(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "ekp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  cipher_key_ttl_secs: 600\n"), 0o644))

	initial, err := LoadConfig(path)
	require.NoError(t, err)

	reg := knobs.NewRegistry(append(knobs.RESTClientKnobSpecs(), knobs.EKPKnobSpecs()...))
	reloader, err := NewConfigReloader(path, initial, testLogger())
	require.NoError(t, err)
	reloader.WithKnobs(reg)
	defer reloader.Stop()

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  cipher_key_ttl_secs: 900\n"), 0o644))
	time.Sleep(200 * time.Millisecond)

	v, err := reg.Get("encrypt_cipher_key_cache_ttl")
	require.NoError(t, err)
	assert.Equal(t, 900, v)
}

func TestValidateReloadSafety(t *testing.T) {
	cfg := &Config{}
	reloader, err := NewConfigReloader("", cfg, testLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	tests := []struct {
		name        string
		old, new    *Config
		expectError bool
		errSubstr   string
	}{
		{
			name:        "safe changes allowed",
			old:         &Config{LogLevel: "info", ListenAddr: ":8443"},
			new:         &Config{LogLevel: "debug", ListenAddr: ":8443"},
			expectError: false,
		},
		{
			name:        "connector type change rejected",
			old:         &Config{KMS: KMSConfig{ConnectorType: "sim"}},
			new:         &Config{KMS: KMSConfig{ConnectorType: "rest"}},
			expectError: true,
			errSubstr:   "kms.connector_type cannot be changed during hot reload",
		},
		{
			name:        "rest endpoint change rejected",
			old:         &Config{KMS: KMSConfig{RESTEndpoint: "https://a"}},
			new:         &Config{KMS: KMSConfig{RESTEndpoint: "https://b"}},
			expectError: true,
			errSubstr:   "kms.rest_endpoint cannot be changed during hot reload",
		},
		{
			name:        "listen addr change rejected",
			old:         &Config{ListenAddr: ":8443"},
			new:         &Config{ListenAddr: ":9443"},
			expectError: true,
			errSubstr:   "listen_addr cannot be changed during hot reload",
		},
		{
			name:        "tls cert change rejected",
			old:         &Config{TLS: TLSConfig{CertFile: "/old.pem"}},
			new:         &Config{TLS: TLSConfig{CertFile: "/new.pem"}},
			expectError: true,
			errSubstr:   "tls.cert_file cannot be changed during hot reload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reloader.validateReloadSafety(tt.old, tt.new)
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetCurrentConfig(t *testing.T) {
	original := &Config{LogLevel: "info"}
	reloader, err := NewConfigReloader("", original, testLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	current := reloader.GetCurrentConfig()
	assert.Equal(t, "info", current.LogLevel)

	current.LogLevel = "debug"
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
}
