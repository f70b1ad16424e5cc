/*
Logic: C6 Listener & Admission — the accept loop, per-socket tuning,
and bounded concurrency gate (spec.md §4.6). Grounded on the teacher's
middleware/concurrency.go channel-semaphore-plus-atomic-counter
admission pattern, generalized from a per-org semaphore map to the
single global gate spec.md §3 "Admission state" names, and on the
teacher's main.go accept loop for the spawn-a-goroutine-per-connection
shape.
*/

package listener

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/nikivdev/flow-domainsd/internal/pool"
	"github.com/nikivdev/flow-domainsd/internal/routetable"
	"github.com/nikivdev/flow-domainsd/internal/session"
	"github.com/nikivdev/flow-domainsd/internal/stats"
)

// ListenBacklog is spec.md §4.6's accept backlog value. It is not
// applied to the listening socket (see daemon.obtainListener).
const ListenBacklog = 256

// Listener owns the bound/inherited socket and the admission gate.
type Listener struct {
	ln     net.Listener
	routes *routetable.Table
	pool   *pool.Pool
	stats  *stats.Runtime
	cfg    session.Config
	log    zerolog.Logger

	slots chan struct{}
}

// New wraps an already-obtained net.Listener (bound fresh or inherited
// via socket activation — spec.md §9 "Socket activation": both paths
// converge here, so the rest of the core never distinguishes them).
func New(ln net.Listener, routes *routetable.Table, p *pool.Pool, st *stats.Runtime, cfg session.Config, log zerolog.Logger) *Listener {
	return &Listener{
		ln:     ln,
		routes: routes,
		pool:   p,
		stats:  st,
		cfg:    cfg,
		log:    log.With().Str("component", "listener").Logger(),
		slots:  make(chan struct{}, cfg.MaxActiveClients),
	}
}

// Serve runs the accept loop until the listener is closed (normal
// shutdown path: Close() is called from a signal handler, Accept then
// returns an error and Serve returns nil).
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && !ne.Timeout() {
				return nil
			}
			return err
		}
		go l.handleAccepted(conn)
	}
}

// Close stops the accept loop (spec.md §4.7 shutdown: "a signal flips
// the running flag and closes the listener").
func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) handleAccepted(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tuneSocket(tcp, l.cfg.ClientIOTimeout, l.log)
	}

	select {
	case l.slots <- struct{}{}:
	default:
		l.stats.OverloadRejections.Inc()
		writeOverloadResponse(conn)
		conn.Close()
		return
	}

	l.stats.ActiveClients.Inc()
	defer func() {
		<-l.slots
		l.stats.ActiveClients.Dec()
	}()

	s := session.New(conn, l.routes, l.pool, l.stats, l.cfg, l.log)
	s.Handle()
}

// tuneSocket applies TCP_NODELAY, SO_KEEPALIVE, and send/recv timeouts
// (spec.md §4.6). TCP_NODELAY and SO_KEEPALIVE use the standard
// library's setters; SO_SNDTIMEO/SO_RCVTIMEO reach into the raw file
// descriptor via SyscallConn since the standard library has no setter
// for them.
func tuneSocket(conn *net.TCPConn, ioTimeout time.Duration, log zerolog.Logger) {
	if err := conn.SetNoDelay(true); err != nil {
		log.Debug().Err(err).Msg("SetNoDelay failed")
	}
	if err := conn.SetKeepAlive(true); err != nil {
		log.Debug().Err(err).Msg("SetKeepAlive failed")
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		tv := unix.NsecToTimeval(ioTimeout.Nanoseconds())
		_ = unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
		_ = unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	})

	_ = conn.SetDeadline(time.Now().Add(ioTimeout))
}

// writeOverloadResponse is the 503 the listener itself writes when no
// admission slot is free (spec.md §4.6) — this happens before a
// Session even exists, so it is written directly rather than through
// session's response helpers.
func writeOverloadResponse(conn net.Conn) {
	const body = "server is at capacity"
	resp := fmt.Sprintf(
		"HTTP/1.1 503 Service Unavailable\r\n"+
			"Content-Type: text/plain; charset=utf-8\r\n"+
			"Content-Length: %d\r\n"+
			"Connection: close\r\n"+
			"X-Flow-Domainsd: 1\r\n"+
			"\r\n%s", len(body), body)
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = conn.Write([]byte(resp))
}
