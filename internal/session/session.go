/*
Logic: C4 Client Session — the per-connection state machine (spec.md
§4.4): ReadRequest -> Route -> Connect/Acquire Upstream -> WriteRequest
-> (Upgrade ? Tunnel : RelayResponse) -> KeepAliveDecision -> {ReadRequest
| Close}. Grounded on the teacher's handler package (one struct per
accepted connection, a bound sub-logger, explicit state progression)
generalized from HTTP-framework middleware chains to a raw-socket loop
since this daemon never uses net/http on the wire.
*/

package session

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nikivdev/flow-domainsd/internal/httpframe"
	"github.com/nikivdev/flow-domainsd/internal/perr"
	"github.com/nikivdev/flow-domainsd/internal/pool"
	"github.com/nikivdev/flow-domainsd/internal/routetable"
	"github.com/nikivdev/flow-domainsd/internal/stats"
	"github.com/nikivdev/flow-domainsd/internal/tunnel"
)

// HealthPath is the locally handled health endpoint (spec.md §6). It
// never consults the route table, and it responds regardless of the
// Host header's routability (spec.md §8 property 9).
const HealthPath = "/_flow/domains/health"

// Config is the per-session tuning surface, all sourced from
// *config.Config at wiring time.
type Config struct {
	UpstreamConnectTimeout time.Duration
	UpstreamIOTimeout      time.Duration
	ClientIOTimeout        time.Duration

	MaxActiveClients int
	PoolMaxIdlePerKey int
	PoolMaxIdleTotal  int
	PoolIdleTimeout   time.Duration
	PoolMaxAge        time.Duration
}

// Session owns one accepted client connection end to end.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	routes *routetable.Table
	pool   *pool.Pool
	stats  *stats.Runtime
	cfg    Config
	log    zerolog.Logger

	cachedConn      *net.TCPConn
	cachedKey       string
	cachedCreatedAt time.Time
}

// New wraps an accepted connection. The caller is responsible for
// admission slot accounting; Handle closes conn itself (or hands it to
// the tunnel, which closes it).
func New(conn net.Conn, routes *routetable.Table, p *pool.Pool, st *stats.Runtime, cfg Config, log zerolog.Logger) *Session {
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		routes: routes,
		pool:   p,
		stats:  st,
		cfg:    cfg,
		log:    log.With().Str("component", "session").Str("remote_addr", conn.RemoteAddr().String()).Logger(),
	}
}

// Handle runs the session's request loop until the connection closes,
// a protocol/upstream failure ends it, or an Upgrade hands both
// sockets off to the tunnel. It always closes s.conn before returning,
// unless a successful Upgrade already transferred ownership.
func (s *Session) Handle() {
	defer s.releaseCachedUpstream()

	for {
		s.extendClientDeadline()
		req, err := httpframe.ReadRequest(s.reader)
		if err != nil {
			if err == io.EOF {
				s.closeClient()
				return
			}
			s.writeErrorResponse(err, true)
			s.closeClient()
			return
		}

		keepGoing := s.handleRequest(req)
		if !keepGoing {
			// A successful Upgrade handoff (handleUpgrade) already
			// transferred s.conn's ownership to the tunnel and nils
			// this field; every other false return still owns the
			// client socket and must close it here.
			s.closeClient()
			return
		}
	}
}

func (s *Session) closeClient() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// handleRequest processes exactly one request and reports whether the
// session loop should continue (both sides keepalive-eligible and no
// tunnel handoff occurred).
func (s *Session) handleRequest(req *httpframe.Request) bool {
	log := s.log.With().Str("method", req.Method).Str("target", req.Target).Logger()

	if req.Method == "GET" && req.Target == HealthPath {
		s.writeHealthResponse(req.ClientWantsKeepalive)
		return req.ClientWantsKeepalive
	}

	if req.RawHostHeader == "" {
		s.writeErrorResponse(&perr.ClientProtocolError{Reason: "missing Host header"}, false)
		return false
	}

	target, ok := s.routes.Lookup(req.Host)
	if !ok {
		s.writeErrorResponse(&perr.NoRouteError{Host: req.Host}, false)
		return false
	}

	upstreamHost, _, err := net.SplitHostPort(target)
	if err != nil {
		s.writeErrorResponse(&perr.BadRouteError{Host: req.Host, Target: target, Reason: "not host:port"}, false)
		return false
	}
	if !validPort(target) {
		s.writeErrorResponse(&perr.BadRouteError{Host: req.Host, Target: target, Reason: "port out of range"}, false)
		return false
	}

	log = log.With().Str("host", req.Host).Str("target", target).Logger()

	if req.IsUpgrade {
		return s.handleUpgrade(req, target, upstreamHost, log)
	}
	return s.handleNormal(req, target, upstreamHost, log)
}

func validPort(authority string) bool {
	_, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return false
	}
	p, err := strconv.Atoi(portStr)
	return err == nil && p >= 1 && p <= 65535
}

// handleNormal executes the non-Upgrade path: acquire an upstream
// (session cache, pool, or dial), write the rewritten request with the
// stale-socket retry-once rule, relay the framed response, and decide
// reuse for both sides.
func (s *Session) handleNormal(req *httpframe.Request, target, upstreamHost string, log zerolog.Logger) bool {
	conn, createdAt, reused, err := s.acquireUpstream(target)
	if err != nil {
		s.writeErrorResponse(err, false)
		return false
	}

	reqBytes := buildNormalUpstreamRequest(req, upstreamHost, true)

	if err := s.writeUpstream(conn, reqBytes); err != nil {
		if !reused {
			log.Warn().Err(err).Msg("upstream write failed on a freshly dialed connection")
			s.pool.Discard(conn)
			s.writeErrorResponse(&perr.UpstreamIOError{Reason: "upstream write failed", Err: err}, false)
			return false
		}
		log.Debug().Msg("stale reused upstream on first write, retrying once with a fresh connection")
		s.pool.Discard(conn)
		var retryErr error
		conn, createdAt, _, retryErr = s.pool.Acquire(target, target)
		if retryErr != nil {
			s.writeErrorResponse(wrapAcquireError(target, retryErr), false)
			return false
		}
		if err := s.writeUpstream(conn, reqBytes); err != nil {
			s.pool.Discard(conn)
			s.writeErrorResponse(&perr.UpstreamIOError{Reason: "upstream forward failed after retry", Err: err}, false)
			return false
		}
	}

	upstreamReader := bufio.NewReader(conn)
	s.extendUpstreamDeadline(conn)
	meta, err := httpframe.ReadResponseHeaders(upstreamReader, req.Method == "HEAD")
	if err != nil {
		log.Warn().Err(err).Msg("malformed upstream response")
		s.pool.Discard(conn)
		s.writeErrorResponse(err, false)
		return false
	}

	if err := s.writeStatusAndHeaders(meta); err != nil {
		log.Debug().Err(err).Msg("client write failed writing response headers")
		s.pool.Discard(conn)
		return false
	}

	result := httpframe.RelayBody(s.conn, upstreamReader, meta)
	if result.Err != nil {
		log.Warn().Err(result.Err).Msg("response relay failed")
	}

	clientReusable := req.ClientWantsKeepalive && result.Err == nil && result.UpstreamReusable
	if result.UpstreamReusable {
		s.cacheUpstream(target, conn, createdAt)
	} else {
		s.pool.Discard(conn)
	}

	return clientReusable
}

// handleUpgrade executes spec.md §4.5: dial fresh (never pooled),
// write the upgrade request plus any client bytes already buffered
// past the headers, relay the negotiation response, and — only on a
// 101 — hand both sockets to the tunnel.
func (s *Session) handleUpgrade(req *httpframe.Request, target, upstreamHost string, log zerolog.Logger) bool {
	conn, err := net.DialTimeout("tcp", target, s.cfg.UpstreamConnectTimeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			s.writeErrorResponse(&perr.UpstreamConnectTimeoutError{Target: target}, false)
		} else {
			s.writeErrorResponse(&perr.UpstreamConnectError{Target: target, Err: err}, false)
		}
		return false
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		s.writeErrorResponse(&perr.UpstreamConnectError{Target: target, Err: fmt.Errorf("not a TCP connection")}, false)
		return false
	}
	defer func() {
		if tcpConn != nil {
			tcpConn.Close()
		}
	}()

	reqBytes := buildUpgradeUpstreamRequest(req, upstreamHost)
	leftover := httpframe.DrainBuffered(s.reader)
	reqBytes = append(reqBytes, leftover...)

	if err := s.writeUpstream(tcpConn, reqBytes); err != nil {
		s.writeErrorResponse(&perr.UpstreamIOError{Reason: "upgrade request write failed", Err: err}, false)
		return false
	}

	upstreamReader := bufio.NewReader(tcpConn)
	s.extendUpstreamDeadline(tcpConn)
	meta, err := httpframe.ReadResponseHeaders(upstreamReader, false)
	if err != nil {
		log.Warn().Err(err).Msg("malformed upgrade negotiation response")
		s.writeErrorResponse(err, false)
		return false
	}

	if err := s.writeStatusAndHeaders(meta); err != nil {
		return false
	}

	if meta.Status != 101 {
		// Negotiation declined: relay whatever body the upstream sent
		// like a normal response and end the connection — there is no
		// tunnel to hand off to, and this upstream's keepalive
		// semantics were never pooled in the first place.
		httpframe.RelayBody(s.conn, upstreamReader, meta)
		return false
	}

	// Hand both raw sockets to the tunnel; it owns their lifetime now.
	client := s.conn
	upstream := tcpConn
	tcpConn = nil // prevent the deferred close above
	s.conn = nil  // prevent Handle's caller from double-closing

	log.Debug().Msg("upgrade negotiated, handing off to tunnel")
	tunnel.Run(client, upstream, upstreamReader, log)
	return false
}

// acquireUpstream returns a usable *net.TCPConn for target, preferring
// the session-level cache (same host:port as the previous iteration),
// then the shared pool.
func (s *Session) acquireUpstream(target string) (*net.TCPConn, time.Time, bool, error) {
	if s.cachedConn != nil && s.cachedKey == target {
		conn := s.cachedConn
		createdAt := s.cachedCreatedAt
		s.cachedConn = nil
		return conn, createdAt, true, nil
	}

	s.releaseCachedUpstream()

	conn, createdAt, reused, err := s.pool.Acquire(target, target)
	if err != nil {
		return nil, time.Time{}, false, wrapAcquireError(target, err)
	}
	return conn, createdAt, reused, nil
}

// wrapAcquireError classifies a raw dial error from pool.Acquire into
// the typed taxonomy classifyError expects (spec.md §4.4's failure
// table: UpstreamConnectTimeout -> 504, UpstreamConnect -> 502), used
// both by the initial acquire and the stale-socket retry-once path so
// neither can leak an unwrapped *net.OpError into writeErrorResponse.
func wrapAcquireError(target string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &perr.UpstreamConnectTimeoutError{Target: target}
	}
	return &perr.UpstreamConnectError{Target: target, Err: err}
}

// cacheUpstream stashes conn for potential reuse by the next iteration
// of this same session, deferring the pool.Release/Discard decision
// until it is evicted from the cache (a different target next, or
// session end).
func (s *Session) cacheUpstream(key string, conn *net.TCPConn, createdAt time.Time) {
	s.cachedConn = conn
	s.cachedKey = key
	s.cachedCreatedAt = createdAt
}

func (s *Session) releaseCachedUpstream() {
	if s.cachedConn == nil {
		return
	}
	s.pool.Release(s.cachedKey, s.cachedConn, s.cachedCreatedAt)
	s.cachedConn = nil
}

func (s *Session) writeUpstream(conn *net.TCPConn, data []byte) error {
	s.extendUpstreamDeadline(conn)
	_, err := conn.Write(data)
	return err
}

func (s *Session) writeStatusAndHeaders(meta *httpframe.ResponseMeta) error {
	var b strings.Builder
	b.WriteString(meta.StatusLine)
	b.WriteString("\r\n")
	for _, h := range meta.Headers.Ordered {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	s.extendClientDeadline()
	_, err := s.conn.Write([]byte(b.String()))
	return err
}

func (s *Session) extendClientDeadline() {
	_ = s.conn.SetDeadline(time.Now().Add(s.cfg.ClientIOTimeout))
}

func (s *Session) extendUpstreamDeadline(conn *net.TCPConn) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.UpstreamIOTimeout))
}

// writeErrorResponse synthesizes one of spec.md §7's proxy responses.
// beforeRouting is true when the failure happened while still parsing
// the request itself (no Host/route context available yet).
func (s *Session) writeErrorResponse(err error, beforeRouting bool) {
	_ = beforeRouting
	status, body := classifyError(err)
	s.writeProxyResponse(status, body, false)
}

func classifyError(err error) (int, string) {
	statuser, ok := err.(perr.HTTPStatuser)
	if !ok {
		return 502, "internal error"
	}
	switch e := err.(type) {
	case *perr.NoRouteError:
		return int(statuser.HTTPStatus()), fmt.Sprintf("no route configured for host %q", e.Host)
	case *perr.BadRouteError:
		return int(statuser.HTTPStatus()), fmt.Sprintf("misconfigured route for host %q", e.Host)
	case *perr.ClientProtocolError:
		return int(statuser.HTTPStatus()), e.Reason
	case *perr.UpstreamConnectError:
		return int(statuser.HTTPStatus()), "failed to connect to upstream"
	case *perr.UpstreamConnectTimeoutError:
		return int(statuser.HTTPStatus()), "timed out connecting to upstream"
	case *perr.UpstreamIOError:
		return int(statuser.HTTPStatus()), "upstream communication failed"
	default:
		return int(statuser.HTTPStatus()), "request failed"
	}
}

func statusText(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Error"
	}
}

// writeProxyResponse writes a Content-Length-framed, proxy-synthesized
// response carrying X-Flow-Domainsd: 1 (spec.md §6).
func (s *Session) writeProxyResponse(status int, body string, keepalive bool) {
	connToken := "close"
	if keepalive {
		connToken = "keep-alive"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(&b, "Connection: %s\r\n", connToken)
	b.WriteString("X-Flow-Domainsd: 1\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)

	s.extendClientDeadline()
	_, _ = s.conn.Write([]byte(b.String()))
}

func (s *Session) writeHealthResponse(keepalive bool) {
	body := healthBody(s.stats, s.cfg)
	s.writeProxyResponse(200, body, keepalive)
}

func healthBody(st *stats.Runtime, cfg Config) string {
	var b strings.Builder
	b.WriteString("ok=1")
	fmt.Fprintf(&b, " active_clients=%d", st.ActiveClients.Get())
	fmt.Fprintf(&b, " overload_rejections=%d", st.OverloadRejections.Get())
	fmt.Fprintf(&b, " max_active_clients=%d", cfg.MaxActiveClients)
	fmt.Fprintf(&b, " upstream_connect_timeout_ms=%d", cfg.UpstreamConnectTimeout.Milliseconds())
	fmt.Fprintf(&b, " upstream_io_timeout_ms=%d", cfg.UpstreamIOTimeout.Milliseconds())
	fmt.Fprintf(&b, " client_io_timeout_ms=%d", cfg.ClientIOTimeout.Milliseconds())
	fmt.Fprintf(&b, " pool_max_idle_per_key=%d", cfg.PoolMaxIdlePerKey)
	fmt.Fprintf(&b, " pool_max_idle_total=%d", cfg.PoolMaxIdleTotal)
	fmt.Fprintf(&b, " pool_idle_timeout_ms=%d", cfg.PoolIdleTimeout.Milliseconds())
	fmt.Fprintf(&b, " pool_max_age_ms=%d", cfg.PoolMaxAge.Milliseconds())
	return b.String()
}

// strippedRequestHeaders are the hop-by-hop and forwarding headers
// spec.md §4.4 requires the proxy to drop before re-emitting its own.
var strippedRequestHeaders = map[string]bool{
	"host":               true,
	"connection":         true,
	"proxy-connection":   true,
	"x-forwarded-for":    true,
	"x-forwarded-host":   true,
	"x-forwarded-proto":  true,
	"content-length":     true,
	"transfer-encoding":  true,
}

func filteredHeaderLines(b *strings.Builder, h *httpframe.HeaderList) {
	for _, hd := range h.Ordered {
		if strippedRequestHeaders[strings.ToLower(hd.Name)] {
			continue
		}
		b.WriteString(hd.Name)
		b.WriteString(": ")
		b.WriteString(hd.Value)
		b.WriteString("\r\n")
	}
}

// upstreamHostHeaderValue implements spec.md §4.4's loopback rewrite:
// many upstream dev servers reject a literal Host: 127.0.0.1.
func upstreamHostHeaderValue(upstreamHost string) string {
	if upstreamHost == "127.0.0.1" || upstreamHost == "::1" {
		return "localhost"
	}
	return upstreamHost
}

func buildNormalUpstreamRequest(req *httpframe.Request, upstreamHost string, keepaliveToUpstream bool) []byte {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteString(" ")
	b.WriteString(req.Target)
	b.WriteString(" ")
	b.WriteString(req.Version)
	b.WriteString("\r\n")

	filteredHeaderLines(&b, req.Headers)

	b.WriteString("Host: ")
	b.WriteString(upstreamHostHeaderValue(upstreamHost))
	b.WriteString("\r\n")
	b.WriteString("X-Forwarded-Host: ")
	b.WriteString(req.RawHostHeader)
	b.WriteString("\r\n")
	b.WriteString("X-Forwarded-Proto: http\r\n")
	if keepaliveToUpstream {
		b.WriteString("Connection: keep-alive\r\n")
	} else {
		b.WriteString("Connection: close\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.Body))
	b.WriteString("\r\n")

	out := make([]byte, 0, b.Len()+len(req.Body))
	out = append(out, []byte(b.String())...)
	out = append(out, req.Body...)
	return out
}

func buildUpgradeUpstreamRequest(req *httpframe.Request, upstreamHost string) []byte {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteString(" ")
	b.WriteString(req.Target)
	b.WriteString(" ")
	b.WriteString(req.Version)
	b.WriteString("\r\n")

	filteredHeaderLines(&b, req.Headers)

	b.WriteString("Host: ")
	b.WriteString(upstreamHostHeaderValue(upstreamHost))
	b.WriteString("\r\n")
	b.WriteString("X-Forwarded-Host: ")
	b.WriteString(req.RawHostHeader)
	b.WriteString("\r\n")
	b.WriteString("X-Forwarded-Proto: http\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	token := req.UpgradeToken
	if token == "" {
		token = "websocket"
	}
	b.WriteString("Upgrade: ")
	b.WriteString(token)
	b.WriteString("\r\n")
	b.WriteString("\r\n")

	return []byte(b.String())
}
