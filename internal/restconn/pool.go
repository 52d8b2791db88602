package restconn

import (
	"container/list"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kenneth/encrypt-key-proxy/internal/ekperrors"
)

// PoolKey identifies a pool shard: one FIFO queue per (host, service).
type PoolKey struct {
	Host    string
	Service string
}

// Conn is the minimal surface the pool needs from a live connection. The
// real REST KMS connector hands it an *tls.Conn or net.Conn; tests hand it
// a fake.
type Conn interface {
	net.Conn
}

// PooledConn pairs a live connection with the wall-clock time after which
// it must be treated as dead, per spec.md §3's PooledConn invariant.
type PooledConn struct {
	Conn           Conn
	ExpirationTime time.Time
}

// Dialer opens a new connection for a pool key, performing the secure
// handshake when isSecure is set. The REST KMS connector supplies a real
// TLS/TCP dialer; tests supply a fake.
type Dialer interface {
	Dial(ctx context.Context, host, service string, isSecure bool) (Conn, error)
}

// TCPDialer is the production Dialer: plain TCP for insecure endpoints,
// TLS 1.2+ for secure ones, matching the "secure-only unless explicitly
// opted-out" policy spec.md §3 and §4.1 enforce at the URL-parsing layer.
type TCPDialer struct {
	TLSConfig     *tls.Config
	ConnectTimeout time.Duration
}

// Dial implements Dialer.
func (d *TCPDialer) Dial(ctx context.Context, host, service string, isSecure bool) (Conn, error) {
	addr := host
	if service != "" {
		addr = net.JoinHostPort(host, service)
	}

	dialer := &net.Dialer{Timeout: d.ConnectTimeout}

	if !isSecure {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("restconn: dial %s: %w", addr, ekperrors.ErrConnectionFailed)
		}
		return conn, nil
	}

	cfg := d.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg}
	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("restconn: tls dial %s: %w", addr, ekperrors.ErrConnectionFailed)
	}
	return conn, nil
}

// Pool is a per-endpoint FIFO of live connections with per-connection
// expiration, per spec.md §4.2. Connections checked out past their
// expiration are discarded rather than returned to the caller.
//
// returnConnection pushes to the back and connect pops from the front:
// true FIFO. This resolves spec.md §9 Open Question 2 in favor of FIFO
// (see DESIGN.md) because it spreads reuse evenly across the pool instead
// of repeatedly hammering the most-recently-returned connection.
type Pool struct {
	mu     sync.Mutex
	dialer Dialer
	queues map[PoolKey]*list.List // each element is a *PooledConn
}

// NewPool creates a connection pool that dials through dialer.
func NewPool(dialer Dialer) *Pool {
	return &Pool{
		dialer: dialer,
		queues: make(map[PoolKey]*list.List),
	}
}

// Connect returns a live pooled connection for key, reusing an unexpired
// one from the queue if available, otherwise dialing a new one. A freshly
// dialed connection is registered in the pool's queue (at the front, so
// returnConnection's concurrent pushes to the back never race with it)
// before being handed to the caller, per spec.md §4.2.
func (p *Pool) Connect(ctx context.Context, key PoolKey, isSecure bool, maxLifeSec int) (*PooledConn, error) {
	now := time.Now()

	p.mu.Lock()
	q, ok := p.queues[key]
	if !ok {
		q = list.New()
		p.queues[key] = q
	}
	for q.Len() > 0 {
		front := q.Front()
		q.Remove(front)
		pc := front.Value.(*PooledConn)
		if pc.ExpirationTime.After(now) {
			p.mu.Unlock()
			return pc, nil
		}
		_ = pc.Conn.Close()
	}
	p.mu.Unlock()

	conn, err := p.dialer.Dial(ctx, key.Host, key.Service, isSecure)
	if err != nil {
		return nil, err
	}

	pc := &PooledConn{
		Conn:           conn,
		ExpirationTime: now.Add(time.Duration(maxLifeSec) * time.Second),
	}

	p.mu.Lock()
	q = p.queues[key]
	q.PushFront(pc)
	p.mu.Unlock()

	return pc, nil
}

// ReturnConnection returns a connection to its pool, per spec.md §4.2:
// unknown keys fail with ErrPoolKeyNotFound; a connection that is still
// live and whose queue has room is pushed to the back, otherwise it is
// closed and dropped. The caller's handle is always cleared afterward to
// prevent a double return.
func (p *Pool) ReturnConnection(key PoolKey, rconn **PooledConn, maxConnections int) error {
	pc := *rconn
	*rconn = nil
	if pc == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[key]
	if !ok {
		_ = pc.Conn.Close()
		return fmt.Errorf("restconn: %v: %w", key, ekperrors.ErrPoolKeyNotFound)
	}

	if pc.ExpirationTime.After(time.Now()) && q.Len() < maxConnections {
		q.PushBack(pc)
		return nil
	}

	_ = pc.Conn.Close()
	return nil
}

// Size reports the number of idle connections currently queued for key.
// Used by tests to check pool-at-capacity behavior (Testable Property 8).
func (p *Pool) Size(key PoolKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[key]
	if !ok {
		return 0
	}
	return q.Len()
}
