// Package config loads and validates the EKP's configuration file,
// mirroring the defaulting and environment-override pattern of an
// ordinary Go service config package: a struct literal of defaults,
// an optional YAML overlay, then an environment-variable overlay, then
// validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete EKP configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL"`

	KMS       KMSConfig       `yaml:"kms"`
	RESTPool  RESTPoolConfig  `yaml:"rest_pool"`
	Cache     CacheConfig     `yaml:"cache"`
	Retry     RetryConfig     `yaml:"retry"`
	TLS       TLSConfig       `yaml:"tls"`
	Tracing   TracingConfig   `yaml:"tracing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// KMSConfig selects and locates the upstream key-management connector.
type KMSConfig struct {
	// ConnectorType is one of "sim", "rest", "perf".
	ConnectorType string `yaml:"connector_type" env:"KMS_CONNECTOR_TYPE"`
	RESTEndpoint  string `yaml:"rest_endpoint" env:"KMS_REST_ENDPOINT"`
	// PerfMinDelay/PerfMaxDelay bound the simulated latency of the perf
	// connector, expressed as durations ("5ms").
	PerfMinDelay string `yaml:"perf_min_delay" env:"KMS_PERF_MIN_DELAY"`
	PerfMaxDelay string `yaml:"perf_max_delay" env:"KMS_PERF_MAX_DELAY"`
}

// RESTPoolConfig governs the pooled REST transport to the KMS, matching
// the RESTClientKnobs names from the knob registry so the two stay in
// lockstep.
type RESTPoolConfig struct {
	ConnectionPoolSize   int  `yaml:"connection_pool_size" env:"REST_CONNECTION_POOL_SIZE"`
	ConnectTries         int  `yaml:"connect_tries" env:"REST_CONNECT_TRIES"`
	ConnectTimeoutSecs   int  `yaml:"connect_timeout_secs" env:"REST_CONNECT_TIMEOUT_SECS"`
	MaxConnectionLife    int  `yaml:"max_connection_life_secs" env:"REST_MAX_CONNECTION_LIFE_SECS"`
	RequestTries         int  `yaml:"request_tries" env:"REST_REQUEST_TRIES"`
	RequestTimeoutSecs   int  `yaml:"request_timeout_secs" env:"REST_REQUEST_TIMEOUT_SECS"`
	EnableNotSecureConn  bool `yaml:"enable_not_secure_connection" env:"REST_ENABLE_NOT_SECURE_CONNECTION"`
}

// CacheConfig governs TTLs and refresh cadence for both caches.
type CacheConfig struct {
	CipherKeyTTLSecs             int `yaml:"cipher_key_ttl_secs" env:"CACHE_CIPHER_KEY_TTL_SECS"`
	EncryptKeyRefreshIntervalSecs int `yaml:"encrypt_key_refresh_interval_secs" env:"CACHE_ENCRYPT_KEY_REFRESH_INTERVAL_SECS"`
	BlobMetadataTTLSecs          int `yaml:"blob_metadata_ttl_secs" env:"CACHE_BLOB_METADATA_TTL_SECS"`
	BlobMetadataRefreshIntervalSecs int `yaml:"blob_metadata_refresh_interval_secs" env:"CACHE_BLOB_METADATA_REFRESH_INTERVAL_SECS"`
}

// RetryConfig governs retry budget for KMS calls.
type RetryConfig struct {
	KMSConnectionRetries int `yaml:"kms_connection_retries" env:"RETRY_KMS_CONNECTION_RETRIES"`
}

// TLSConfig configures the EKP's own listener, not the KMS leg (that is
// governed by RESTPoolConfig.EnableNotSecureConn and KMSConfig).
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TRACING_ENABLED"`
	Exporter string `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, otlp, jaeger
	Endpoint string `yaml:"endpoint" env:"TRACING_ENDPOINT"`
}

// RateLimitConfig throttles inbound requests per caller.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_LIMIT"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

var validConnectorTypes = map[string]bool{"sim": true, "rest": true, "perf": true}
var validTracingExporters = map[string]bool{"stdout": true, "otlp": true, "jaeger": true, "": true}

func defaults() *Config {
	return &Config{
		ListenAddr: ":8443",
		LogLevel:   "info",
		KMS: KMSConfig{
			ConnectorType: "sim",
			PerfMinDelay:  "1ms",
			PerfMaxDelay:  "5ms",
		},
		RESTPool: RESTPoolConfig{
			ConnectionPoolSize: 10,
			ConnectTries:       3,
			ConnectTimeoutSecs: 10,
			MaxConnectionLife:  600,
			RequestTries:       3,
			RequestTimeoutSecs: 30,
		},
		Cache: CacheConfig{
			CipherKeyTTLSecs:                600,
			EncryptKeyRefreshIntervalSecs:    60,
			BlobMetadataTTLSecs:              3600,
			BlobMetadataRefreshIntervalSecs:  300,
		},
		Retry: RetryConfig{KMSConnectionRetries: 3},
		Tracing: TracingConfig{Exporter: "stdout"},
	}
}

// LoadConfig reads path (if it exists) as YAML over a defaulted Config,
// applies environment-variable overrides, validates, and returns the
// result. An empty path or a missing file is not an error — defaults
// (possibly overridden by the environment) apply instead, mirroring the
// teacher's tolerance for a config-free deployment.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromEnv(c *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KMS_CONNECTOR_TYPE"); v != "" {
		c.KMS.ConnectorType = v
	}
	if v := os.Getenv("KMS_REST_ENDPOINT"); v != "" {
		c.KMS.RESTEndpoint = v
	}
	if v := os.Getenv("KMS_PERF_MIN_DELAY"); v != "" {
		c.KMS.PerfMinDelay = v
	}
	if v := os.Getenv("KMS_PERF_MAX_DELAY"); v != "" {
		c.KMS.PerfMaxDelay = v
	}
	envInt("REST_CONNECTION_POOL_SIZE", &c.RESTPool.ConnectionPoolSize)
	envInt("REST_CONNECT_TRIES", &c.RESTPool.ConnectTries)
	envInt("REST_CONNECT_TIMEOUT_SECS", &c.RESTPool.ConnectTimeoutSecs)
	envInt("REST_MAX_CONNECTION_LIFE_SECS", &c.RESTPool.MaxConnectionLife)
	envInt("REST_REQUEST_TRIES", &c.RESTPool.RequestTries)
	envInt("REST_REQUEST_TIMEOUT_SECS", &c.RESTPool.RequestTimeoutSecs)
	envBool("REST_ENABLE_NOT_SECURE_CONNECTION", &c.RESTPool.EnableNotSecureConn)

	envInt("CACHE_CIPHER_KEY_TTL_SECS", &c.Cache.CipherKeyTTLSecs)
	envInt("CACHE_ENCRYPT_KEY_REFRESH_INTERVAL_SECS", &c.Cache.EncryptKeyRefreshIntervalSecs)
	envInt("CACHE_BLOB_METADATA_TTL_SECS", &c.Cache.BlobMetadataTTLSecs)
	envInt("CACHE_BLOB_METADATA_REFRESH_INTERVAL_SECS", &c.Cache.BlobMetadataRefreshIntervalSecs)

	envInt("RETRY_KMS_CONNECTION_RETRIES", &c.Retry.KMSConnectionRetries)

	envBool("TLS_ENABLED", &c.TLS.Enabled)
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	envBool("TRACING_ENABLED", &c.Tracing.Enabled)
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		c.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}

	envBool("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	envInt("RATE_LIMIT_LIMIT", &c.RateLimit.Limit)
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RateLimit.Window = d
		}
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	*dst = strings.EqualFold(v, "true") || v == "1"
}

// Validate checks required fields and enum membership, matching the
// teacher's config.go validation pattern.
func (c *Config) Validate() error {
	if !validConnectorTypes[c.KMS.ConnectorType] {
		return fmt.Errorf("config: kms.connector_type must be one of sim, rest, perf, got %q", c.KMS.ConnectorType)
	}
	if c.KMS.ConnectorType == "rest" && c.KMS.RESTEndpoint == "" {
		return fmt.Errorf("config: kms.rest_endpoint is required when kms.connector_type is rest")
	}
	if c.KMS.ConnectorType == "perf" {
		if _, err := time.ParseDuration(c.KMS.PerfMinDelay); err != nil {
			return fmt.Errorf("config: kms.perf_min_delay: %w", err)
		}
		if _, err := time.ParseDuration(c.KMS.PerfMaxDelay); err != nil {
			return fmt.Errorf("config: kms.perf_max_delay: %w", err)
		}
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("config: tls.cert_file and tls.key_file are required when tls.enabled")
	}
	if !validTracingExporters[c.Tracing.Exporter] {
		return fmt.Errorf("config: tracing.exporter must be one of stdout, otlp, jaeger, got %q", c.Tracing.Exporter)
	}
	return nil
}
