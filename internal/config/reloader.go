package config

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/encrypt-key-proxy/internal/knobs"
)

// ReloadCallback is invoked after a successful reload, with the config
// in effect before and after the change.
type ReloadCallback func(old, new *Config) error

// ConfigReloader watches the EKP's config file with fsnotify and reacts
// to SIGHUP, applying safe runtime knob updates (pool size, TTLs, retry
// budget) to a knob registry without requiring a process restart.
// Fields that the KMS connector or TLS listener were built around are
// rejected by validateReloadSafety rather than silently ignored.
type ConfigReloader struct {
	path   string
	logger *logrus.Logger
	knobs  *knobs.Registry

	mu      sync.RWMutex
	current *Config

	callbackMu sync.RWMutex
	onReload   ReloadCallback

	watcher *fsnotify.Watcher
	sighup  chan os.Signal
	stop    chan struct{}
	done    chan struct{}
}

// NewConfigReloader builds a reloader for cfg, optionally watching path
// for changes (path == "" disables file watching; SIGHUP handling is
// always active). reg may be nil, in which case reloads update only the
// in-memory current config and fire the callback — Set up a Registry to
// have safe field changes applied live.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: cfg,
		sighup:  make(chan os.Signal, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("config: new watcher: %w", err)
		}
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("config: watch %s: %w", path, err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.sighup, syscall.SIGHUP)
	return r, nil
}

// WithKnobs attaches a knob registry that safe reloads apply to.
func (r *ConfigReloader) WithKnobs(reg *knobs.Registry) *ConfigReloader {
	r.knobs = reg
	return r
}

// SetOnReloadCallback installs the function invoked after every
// successful reload.
func (r *ConfigReloader) SetOnReloadCallback(fn ReloadCallback) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onReload = fn
}

// GetCurrentConfig returns a copy of the config currently in effect.
// Callers may mutate the returned value without affecting the
// reloader's internal state.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *r.current
	return &cp
}

// Start watches for file-change and SIGHUP events until Stop is called.
// It is meant to be run in its own goroutine.
func (r *ConfigReloader) Start() {
	defer close(r.done)

	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	for {
		select {
		case <-r.stop:
			return

		case <-r.sighup:
			if r.logger != nil {
				r.logger.Info("config: SIGHUP received, reloading")
			}
			r.reload()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if r.logger != nil {
				r.logger.WithField("path", r.path).Info("config: file changed, reloading")
			}
			r.reload()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if r.logger != nil {
				r.logger.WithError(err).Warn("config: watcher error")
			}
		}
	}
}

// Stop ends the watch loop and releases the fsnotify watcher and signal
// channel. Safe to call more than once.
func (r *ConfigReloader) Stop() {
	select {
	case <-r.stop:
		return
	default:
		close(r.stop)
	}
	signal.Stop(r.sighup)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func (r *ConfigReloader) reload() {
	old := r.GetCurrentConfig()

	next, err := LoadConfig(r.path)
	if err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Warn("config: reload failed, keeping current config")
		}
		return
	}

	if err := r.validateReloadSafety(old, next); err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Warn("config: reload rejected")
		}
		return
	}

	r.mu.Lock()
	r.current = next
	r.mu.Unlock()

	if r.knobs != nil {
		r.applyKnobs(next)
	}

	r.callbackMu.RLock()
	cb := r.onReload
	r.callbackMu.RUnlock()
	if cb != nil {
		if err := cb(old, next); err != nil && r.logger != nil {
			r.logger.WithError(err).Warn("config: reload callback failed")
		}
	}
}

// applyKnobs pushes the subset of a reloaded config that the knob
// registry governs, per spec.md §9's list of runtime-tunable knobs.
func (r *ConfigReloader) applyKnobs(c *Config) {
	settings := map[string]int{
		"connection_pool_size":                  c.RESTPool.ConnectionPoolSize,
		"connect_tries":                         c.RESTPool.ConnectTries,
		"connect_timeout":                       c.RESTPool.ConnectTimeoutSecs,
		"max_connection_life":                   c.RESTPool.MaxConnectionLife,
		"request_tries":                         c.RESTPool.RequestTries,
		"request_timeout_secs":                  c.RESTPool.RequestTimeoutSecs,
		"encrypt_cipher_key_cache_ttl":           c.Cache.CipherKeyTTLSecs,
		"encrypt_key_refresh_interval":           c.Cache.EncryptKeyRefreshIntervalSecs,
		"blob_metadata_cache_ttl":                c.Cache.BlobMetadataTTLSecs,
		"blob_metadata_refresh_interval":         c.Cache.BlobMetadataRefreshIntervalSecs,
		"ekp_kms_connection_retries":             c.Retry.KMSConnectionRetries,
	}
	if err := r.knobs.SetAll(settings); err != nil && r.logger != nil {
		r.logger.WithError(err).Warn("config: applying reload to knob registry")
	}
}

// validateReloadSafety rejects changes to fields the running process
// has already built state around: swapping the KMS connector type or
// endpoint out from under an open connection pool, or the TLS listener
// identity, requires a restart rather than a hot reload.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.KMS.ConnectorType != new.KMS.ConnectorType {
		return fmt.Errorf("kms.connector_type cannot be changed during hot reload")
	}
	if old.KMS.RESTEndpoint != new.KMS.RESTEndpoint {
		return fmt.Errorf("kms.rest_endpoint cannot be changed during hot reload")
	}
	if old.TLS.Enabled != new.TLS.Enabled {
		return fmt.Errorf("tls.enabled cannot be changed during hot reload")
	}
	if old.TLS.CertFile != new.TLS.CertFile {
		return fmt.Errorf("tls.cert_file cannot be changed during hot reload")
	}
	if old.TLS.KeyFile != new.TLS.KeyFile {
		return fmt.Errorf("tls.key_file cannot be changed during hot reload")
	}
	if old.ListenAddr != new.ListenAddr {
		return fmt.Errorf("listen_addr cannot be changed during hot reload")
	}
	return nil
}
