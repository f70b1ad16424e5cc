/*
Logic: C2 Upstream Pool — an idle-connection cache keyed by
"host:port", generalized from the teacher's provider.ConnectionPool
(which cached *http.Transport per provider name) to cache raw
*net.TCPConn per upstream authority instead, since the daemon speaks
HTTP/1.1 directly over the socket rather than through net/http.
Eviction is LIFO per spec.md §4.2 ("most-recently-used returned first
to maximize the chance of reuse while the stream is warm").
*/

package pool

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is spec.md §3's PooledConnection.
type Entry struct {
	Conn      *net.TCPConn
	CreatedAt time.Time
	LastUsedAt time.Time
}

// Config is the pool's tuning surface (spec.md §6).
type Config struct {
	MaxIdlePerKey int
	MaxIdleTotal  int
	IdleTimeout   time.Duration
	MaxAge        time.Duration
	ConnectTimeout time.Duration
}

// Pool is the shared, internally synchronized upstream connection
// pool described in spec.md §3/§4.2.
type Pool struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	idle      map[string][]*Entry // LIFO: last element is most recently released
	idleTotal int

	dials    int64
	evictions int64
}

// New creates a pool. cfg.MaxIdleTotal must already satisfy
// cfg.MaxIdleTotal >= cfg.MaxIdlePerKey — the caller (config.Validate)
// enforces this at startup per spec.md §4.7.
func New(cfg Config, log zerolog.Logger) *Pool {
	return &Pool{
		cfg:  cfg,
		log:  log.With().Str("component", "pool").Logger(),
		idle: map[string][]*Entry{},
	}
}

// Acquire returns a validated idle connection for key, or dials a new
// one to authority. Dialing happens outside the pool's lock. The
// returned bool reports whether the connection came from the idle
// pool (true) or was freshly dialed (false) — callers use this to
// decide whether a first-write failure warrants the stale-socket
// retry in spec.md §4.4.
func (p *Pool) Acquire(key, authority string) (conn *net.TCPConn, createdAt time.Time, reused bool, err error) {
	if entry := p.popFresh(key); entry != nil {
		return entry.Conn, entry.CreatedAt, true, nil
	}
	conn, err = p.dial(authority)
	return conn, time.Now(), false, err
}

// Release returns conn to the pool if it is still usable and the caps
// allow it; otherwise it is closed.
func (p *Pool) Release(key string, conn *net.TCPConn, createdAt time.Time) {
	if conn == nil {
		return
	}
	now := time.Now()
	if now.Sub(createdAt) > p.cfg.MaxAge {
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	p.reapLocked(key)

	if len(p.idle[key]) >= p.cfg.MaxIdlePerKey || p.idleTotal >= p.cfg.MaxIdleTotal {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}

	p.idle[key] = append(p.idle[key], &Entry{Conn: conn, CreatedAt: createdAt, LastUsedAt: now})
	p.idleTotal++
	p.mu.Unlock()
}

// Discard unconditionally closes conn without returning it to the
// pool.
func (p *Pool) Discard(conn *net.TCPConn) {
	if conn != nil {
		_ = conn.Close()
	}
}

// IdleTotal reports the current total idle connection count.
func (p *Pool) IdleTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleTotal
}

func (p *Pool) dial(authority string) (*net.TCPConn, error) {
	conn, err := net.DialTimeout("tcp", authority, p.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("dialed connection is not a TCP connection")
	}
	p.mu.Lock()
	p.dials++
	p.mu.Unlock()
	return tcp, nil
}

// popFresh pops entries off key's idle stack (most-recent first),
// discarding stale or dead ones, until it finds a usable connection or
// the stack is empty.
func (p *Pool) popFresh(key string) *Entry {
	for {
		p.mu.Lock()
		stack := p.idle[key]
		if len(stack) == 0 {
			p.mu.Unlock()
			return nil
		}
		entry := stack[len(stack)-1]
		p.idle[key] = stack[:len(stack)-1]
		p.idleTotal--
		p.mu.Unlock()

		if !p.isFresh(entry) {
			_ = entry.Conn.Close()
			p.mu.Lock()
			p.evictions++
			p.mu.Unlock()
			continue
		}

		switch peek(entry.Conn) {
		case peekIdle:
			return entry
		default: // peekClosed, peekDataPending, peekError
			_ = entry.Conn.Close()
			p.mu.Lock()
			p.evictions++
			p.mu.Unlock()
			continue
		}
	}
}

// reapLocked removes stale entries from key's stack. Caller holds p.mu.
func (p *Pool) reapLocked(key string) {
	stack := p.idle[key]
	if len(stack) == 0 {
		return
	}
	fresh := stack[:0]
	for _, e := range stack {
		if p.isFresh(e) {
			fresh = append(fresh, e)
		} else {
			_ = e.Conn.Close()
			p.idleTotal--
			p.evictions++
		}
	}
	p.idle[key] = fresh
}

func (p *Pool) isFresh(e *Entry) bool {
	now := time.Now()
	return now.Sub(e.LastUsedAt) <= p.cfg.IdleTimeout && now.Sub(e.CreatedAt) <= p.cfg.MaxAge
}

// Key returns the upstream pool key for a dialed authority. Exported
// so callers (the client session) don't need to know the key equals
// the authority string — a future revision might namespace it.
func Key(authority string) string { return authority }
