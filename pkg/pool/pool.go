package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Options configure a Pool.
type Options struct {
	// MaxIdlePerHost caps idle entries per origin. 0 disables pooling
	// entirely: every lease dials and every release closes.
	MaxIdlePerHost int

	// IdleTimeout is how long an unused entry may sit in the pool.
	IdleTimeout time.Duration

	// ConnectTimeout bounds dialing (and the TLS handshake).
	ConnectTimeout time.Duration

	// TLSConfig is used for https origins; nil means a default config.
	TLSConfig *tls.Config
}

// idleEntry is one pooled connection with its expiry.
type idleEntry struct {
	conn      net.Conn
	expiresAt time.Time
}

// Pool keeps idle connections keyed by origin ("scheme://host:port").
type Pool struct {
	opts Options

	mu     sync.Mutex
	idle   map[string][]idleEntry
	closed bool

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New creates a pool. MaxIdlePerHost of 0 yields the no-pool mode.
func New(opts Options) *Pool {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	p := &Pool{
		opts: opts,
		idle: make(map[string][]idleEntry),
	}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	p.dial = dialer.DialContext
	return p
}

// Lease returns a connection to origin: a fresh idle entry when one
// exists, otherwise a new connection dialed under the connect timeout.
func (p *Pool) Lease(ctx context.Context, origin string) (net.Conn, error) {
	if conn := p.takeIdle(origin); conn != nil {
		return conn, nil
	}

	scheme, addr, err := splitOrigin(origin)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", origin, err)
	}

	if scheme == "https" {
		tlsCfg := p.opts.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.ServerName == "" {
			host, _, _ := net.SplitHostPort(addr)
			tlsCfg = tlsCfg.Clone()
			tlsCfg.ServerName = host
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", origin, err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// Release returns a connection to the pool. Non-reusable connections (any
// I/O error, non-keep-alive semantics) and overflow beyond MaxIdlePerHost
// are closed instead.
func (p *Pool) Release(origin string, conn net.Conn, reusable bool) {
	if conn == nil {
		return
	}
	if !reusable || p.opts.MaxIdlePerHost == 0 {
		conn.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle[origin]) >= p.opts.MaxIdlePerHost {
		conn.Close()
		return
	}
	p.idle[origin] = append(p.idle[origin], idleEntry{
		conn:      conn,
		expiresAt: time.Now().Add(p.opts.IdleTimeout),
	})
}

// takeIdle detaches the most recently parked non-expired entry. Expired
// entries encountered on the way are closed.
func (p *Pool) takeIdle(origin string) net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.idle[origin]
	now := time.Now()
	for len(entries) > 0 {
		last := entries[len(entries)-1]
		entries = entries[:len(entries)-1]
		if now.Before(last.expiresAt) {
			p.idle[origin] = entries
			return last.conn
		}
		last.conn.Close()
	}
	p.idle[origin] = entries
	return nil
}

// Sweep closes every expired idle entry; wired to the shared cron
// scheduler. Returns the number of entries evicted.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	evicted := 0
	for origin, entries := range p.idle {
		kept := entries[:0]
		for _, e := range entries {
			if now.Before(e.expiresAt) {
				kept = append(kept, e)
			} else {
				e.conn.Close()
				evicted++
			}
		}
		if len(kept) == 0 {
			delete(p.idle, origin)
		} else {
			p.idle[origin] = kept
		}
	}
	return evicted
}

// IdleCount reports the pooled entries for an origin (tests, stats).
func (p *Pool) IdleCount(origin string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[origin])
}

// Close drops every idle entry. Leased connections are unaffected; their
// eventual release will close them.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for origin, entries := range p.idle {
		for _, e := range entries {
			e.conn.Close()
		}
		delete(p.idle, origin)
	}
}

// splitOrigin parses "scheme://host:port" into scheme and dial address.
func splitOrigin(origin string) (scheme, addr string, err error) {
	scheme, addr, ok := strings.Cut(origin, "://")
	if !ok || addr == "" {
		return "", "", fmt.Errorf("invalid origin key %q", origin)
	}
	if scheme != "http" && scheme != "https" {
		return "", "", fmt.Errorf("invalid origin scheme %q", scheme)
	}
	if !strings.Contains(addr, ":") {
		if scheme == "https" {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}
	return scheme, addr, nil
}
