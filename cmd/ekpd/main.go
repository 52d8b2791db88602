// Command ekpd runs the Encryption Key Proxy: it loads configuration,
// builds the dispatcher and its KMS connector, and serves the three RPCs
// plus /metrics over HTTP until interrupted.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/encrypt-key-proxy/internal/config"
	"github.com/kenneth/encrypt-key-proxy/internal/dispatcher"
	"github.com/kenneth/encrypt-key-proxy/internal/ekp"
	"github.com/kenneth/encrypt-key-proxy/internal/kmsconn"
	"github.com/kenneth/encrypt-key-proxy/internal/knobs"
	"github.com/kenneth/encrypt-key-proxy/internal/metrics"
	"github.com/kenneth/encrypt-key-proxy/internal/middleware"
	"github.com/kenneth/encrypt-key-proxy/internal/tracing"
	"github.com/kenneth/encrypt-key-proxy/internal/transport"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "ekpd.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logger.WithError(err).Warn("invalid log level, using info")
	} else {
		logger.SetLevel(level)
	}

	logger.WithFields(logrus.Fields{"version": version, "commit": commit}).Info("starting encrypt-key-proxy")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to set up tracing")
	}
	defer shutdownTracing(context.Background())

	m := metrics.NewMetrics()

	reg := knobs.NewRegistry(append(knobs.RESTClientKnobSpecs(), knobs.EKPKnobSpecs()...))
	applyConfigToKnobs(reg, cfg)

	perfMin, perfMax := parsePerfDelays(cfg, logger)

	connector, err := kmsconn.New(connectorTypeTag(cfg.KMS.ConnectorType), kmsconn.Options{
		RESTEndpoint: cfg.KMS.RESTEndpoint,
		Knobs:        reg,
		PerfMinDelay: perfMin,
		PerfMaxDelay: perfMax,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to activate KMS connector")
	}
	defer connector.Close()

	caches := ekp.NewCaches(time.Duration(cfg.Cache.BlobMetadataTTLSecs) * time.Second)

	d, err := dispatcher.New(caches, dispatcher.Options{
		ConnectorType: connectorTypeTag(cfg.KMS.ConnectorType),
		ConnectorOpts: kmsconn.Options{RESTEndpoint: cfg.KMS.RESTEndpoint, Knobs: reg, PerfMinDelay: perfMin, PerfMaxDelay: perfMax},
		Knobs:         reg,
		Metrics:       m,
		Logger:        logger,
		Chaos:         ekp.NoChaos,
		BlobGCPolicy:  ekp.DefaultBlobGCPolicy,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to build dispatcher")
	}

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to start config reloader")
	}
	reloader.WithKnobs(reg)
	go reloader.Start()
	defer reloader.Stop()

	dispatcherErr := make(chan error, 1)
	go func() { dispatcherErr <- d.Run(ctx) }()

	handler := withMiddleware(transport.NewServer(d, logger).Router(), cfg, logger)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: withMetricsRoute(handler, m),
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithField("addr", cfg.ListenAddr).Info("starting HTTPS listener")
			err = httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("starting HTTP listener")
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http listener failed")
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-dispatcherErr:
		if err != nil {
			logger.WithError(err).Error("dispatcher exited with error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http listener forced to shutdown")
	}
	_ = d.Halt(shutdownCtx, "ekpd-main")
}

func withMetricsRoute(h http.Handler, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", h)
	return mux
}

// withMiddleware chains the ambient request-handling middleware around the
// RPC router: security headers on every response, structured access
// logging with KMS credential headers redacted, and an optional per-client
// rate limiter.
func withMiddleware(h http.Handler, cfg *config.Config, logger *logrus.Logger) http.Handler {
	h = middleware.SecurityHeadersMiddleware()(h)

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		h = middleware.RateLimitMiddleware(limiter)(h)
	}

	h = middleware.LoggingMiddleware(logger, middleware.LoggingOptions{
		RedactHeaders: []string{"authorization", "x-kms-session-token"},
	})(h)

	return h
}

func connectorTypeTag(s string) kmsconn.TypeTag {
	switch s {
	case "rest":
		return kmsconn.TypeREST
	case "perf":
		return kmsconn.TypePerf
	default:
		return kmsconn.TypeSim
	}
}

func parsePerfDelays(cfg *config.Config, logger *logrus.Logger) (time.Duration, time.Duration) {
	minD, err := time.ParseDuration(cfg.KMS.PerfMinDelay)
	if err != nil {
		logger.WithError(err).Warn("invalid kms.perf_min_delay, using 1ms")
		minD = time.Millisecond
	}
	maxD, err := time.ParseDuration(cfg.KMS.PerfMaxDelay)
	if err != nil {
		logger.WithError(err).Warn("invalid kms.perf_max_delay, using 5ms")
		maxD = 5 * time.Millisecond
	}
	return minD, maxD
}

func applyConfigToKnobs(reg *knobs.Registry, cfg *config.Config) {
	_ = reg.SetAll(map[string]int{
		"connection_pool_size":                  cfg.RESTPool.ConnectionPoolSize,
		"connect_tries":                         cfg.RESTPool.ConnectTries,
		"connect_timeout":                       cfg.RESTPool.ConnectTimeoutSecs,
		"max_connection_life":                   cfg.RESTPool.MaxConnectionLife,
		"request_tries":                         cfg.RESTPool.RequestTries,
		"request_timeout_secs":                  cfg.RESTPool.RequestTimeoutSecs,
		"rest_kms_enable_not_secure_connection":  boolToInt(cfg.RESTPool.EnableNotSecureConn),
		"encrypt_cipher_key_cache_ttl":           cfg.Cache.CipherKeyTTLSecs,
		"encrypt_key_refresh_interval":           cfg.Cache.EncryptKeyRefreshIntervalSecs,
		"blob_metadata_cache_ttl":                cfg.Cache.BlobMetadataTTLSecs,
		"blob_metadata_refresh_interval":         cfg.Cache.BlobMetadataRefreshIntervalSecs,
		"ekp_kms_connection_retries":             cfg.Retry.KMSConnectionRetries,
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
