package ekp

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/encrypt-key-proxy/internal/kmsconn"
	"github.com/kenneth/encrypt-key-proxy/internal/knobs"
	"github.com/kenneth/encrypt-key-proxy/internal/metrics"
)

// Proxy is the single owner of the EKP's caches and KMS connector, per
// spec.md §5's "single owner holding the caches, with per-request tasks
// borrowing a handle". Unlike the original's cooperative-actor model,
// where every task runs on one execution context by construction, Go
// gives every request handler and refresher its own goroutine. Proxy
// re-creates the "atomic between suspension points" property by routing
// every cache touch through onLoop, which hands a closure to the single
// core-loop goroutine (started by Run) and blocks the caller until it has
// executed there. Between calls to onLoop, a handler goroutine is
// performing KMS I/O — the exact shape of the original's suspension
// points — and never touches the caches directly.
type Proxy struct {
	Caches    *Caches
	Connector kmsconn.Connector
	Knobs     *knobs.Registry
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
	Chaos     ChaosInjector

	jobs chan loopJob
}

type loopJob struct {
	fn   func()
	done chan struct{}
}

// NewProxy builds a Proxy. chaos may be nil, in which case NoChaos is
// used.
func NewProxy(caches *Caches, connector kmsconn.Connector, reg *knobs.Registry, m *metrics.Metrics, logger *logrus.Logger, chaos ChaosInjector) *Proxy {
	if chaos == nil {
		chaos = NoChaos
	}
	return &Proxy{
		Caches:    caches,
		Connector: connector,
		Knobs:     reg,
		Metrics:   m,
		Logger:    logger,
		Chaos:     chaos,
		jobs:      make(chan loopJob),
	}
}

// Run is the core loop: the only goroutine that ever touches p.Caches
// directly. It services onLoop requests until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-p.jobs:
			j.fn()
			close(j.done)
		}
	}
}

// onLoop schedules fn to run on the core loop goroutine and blocks the
// caller until it completes or ctx is cancelled. fn must not block — it
// exists only to touch p.Caches safely.
func (p *Proxy) onLoop(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case p.jobs <- loopJob{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Proxy) trace(debugID, tag string, fields logrus.Fields) {
	if debugID == "" || p.Logger == nil {
		return
	}
	f := logrus.Fields{"debug_id": debugID, "tag": tag}
	for k, v := range fields {
		f[k] = v
	}
	p.Logger.WithFields(f).Debug("ekp cache trace")
}

func (p *Proxy) cipherCacheTTL() time.Duration {
	v, err := p.Knobs.Get("encrypt_cipher_key_cache_ttl")
	if err != nil {
		return 600 * time.Second
	}
	return time.Duration(v) * time.Second
}

func (p *Proxy) blobCacheTTL() time.Duration {
	v, err := p.Knobs.Get("blob_metadata_cache_ttl")
	if err != nil {
		return 3600 * time.Second
	}
	return time.Duration(v) * time.Second
}
