package session

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/nikivdev/flow-domainsd/internal/pool"
	"github.com/nikivdev/flow-domainsd/internal/routetable"
	"github.com/nikivdev/flow-domainsd/internal/stats"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func testConfig() Config {
	return Config{
		UpstreamConnectTimeout: time.Second,
		UpstreamIOTimeout:      time.Second,
		ClientIOTimeout:        2 * time.Second,
		MaxActiveClients:       128,
		PoolMaxIdlePerKey:      8,
		PoolMaxIdleTotal:       256,
		PoolIdleTimeout:        15 * time.Second,
		PoolMaxAge:             120 * time.Second,
	}
}

func newTestPool() *pool.Pool {
	return pool.New(pool.Config{
		MaxIdlePerKey:  8,
		MaxIdleTotal:   256,
		IdleTimeout:    15 * time.Second,
		MaxAge:         120 * time.Second,
		ConnectTimeout: time.Second,
	}, testLogger())
}

func newTestRoutes(t *testing.T, routesJSON string) *routetable.Table {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/routes.json", []byte(routesJSON), 0o644); err != nil {
		t.Fatalf("seed routes file: %v", err)
	}
	return routetable.New(fs, "/routes.json", testLogger())
}

// fixedUpstream starts a raw TCP server that replies to every request
// on a connection with the given raw response bytes, optionally
// counting accepted connections.
func fixedUpstream(t *testing.T, response string) (addr string, acceptCount *int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	count := new(int)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			*count++
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				for {
					if _, err := readOneRequest(br); err != nil {
						return
					}
					if _, err := c.Write([]byte(response)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), count, func() { ln.Close() }
}

// readOneRequest consumes one HTTP request (headers + Content-Length
// body, if any) off br without interpreting it, for the fake upstream.
func readOneRequest(br *bufio.Reader) (string, error) {
	var headers []string
	contentLength := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		headers = append(headers, trimmed)
		if strings.HasPrefix(strings.ToLower(trimmed), "content-length:") {
			fmt.Sscanf(trimmed, "Content-Length: %d", &contentLength)
		}
	}
	if contentLength > 0 {
		buf := make([]byte, contentLength)
		if _, err := io.ReadFull(br, buf); err != nil {
			return "", err
		}
	}
	return strings.Join(headers, "\n"), nil
}

func dialAndSend(t *testing.T, addr, request string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	return conn
}

// runProxy starts a Listener-free Session directly against one
// accepted connection pair, returning the client-facing end.
func runProxy(t *testing.T, routes *routetable.Table, p *pool.Pool) (clientConn net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		st := &stats.Runtime{}
		s := New(conn, routes, p, st, testConfig(), testLogger())
		s.Handle()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial test proxy: %v", err)
	}
	return conn
}

func TestHealthEndpointIgnoresRouting(t *testing.T) {
	routes := newTestRoutes(t, `{}`)
	p := newTestPool()
	client := runProxy(t, routes, p)
	defer client.Close()

	req := "GET /_flow/domains/health HTTP/1.1\r\nHost: nothing.localhost\r\nConnection: close\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	br := bufio.NewReader(client)
	status, _ := br.ReadString('\n')
	if !strings.Contains(status, "200") {
		t.Fatalf("expected 200, got %q", status)
	}

	headers := readHeaders(t, br)
	if headers["x-flow-domainsd"] != "1" {
		t.Fatalf("expected X-Flow-Domainsd: 1 on health response, got headers %v", headers)
	}
}

func TestMissingHostReturns400(t *testing.T) {
	routes := newTestRoutes(t, `{}`)
	p := newTestPool()
	client := runProxy(t, routes, p)
	defer client.Close()

	req := "GET / HTTP/1.0\r\n\r\n"
	client.Write([]byte(req))

	br := bufio.NewReader(client)
	status, _ := br.ReadString('\n')
	if !strings.Contains(status, "400") {
		t.Fatalf("expected 400, got %q", status)
	}
}

func TestNoRouteReturns404WithHostInBody(t *testing.T) {
	routes := newTestRoutes(t, `{}`)
	p := newTestPool()
	client := runProxy(t, routes, p)
	defer client.Close()

	req := "GET /x HTTP/1.1\r\nHost: b.localhost\r\nConnection: close\r\n\r\n"
	client.Write([]byte(req))

	br := bufio.NewReader(client)
	status, _ := br.ReadString('\n')
	if !strings.Contains(status, "404") {
		t.Fatalf("expected 404, got %q", status)
	}
	headers := readHeaders(t, br)
	body := make([]byte, mustInt(headers["content-length"]))
	io.ReadFull(br, body)
	if !strings.Contains(string(body), "b.localhost") {
		t.Fatalf("expected body to mention b.localhost, got %q", body)
	}
}

func TestBadRouteTargetReturns502(t *testing.T) {
	routes := newTestRoutes(t, `{"c.localhost":"not-a-valid-authority"}`)
	p := newTestPool()
	client := runProxy(t, routes, p)
	defer client.Close()

	req := "GET /x HTTP/1.1\r\nHost: c.localhost\r\nConnection: close\r\n\r\n"
	client.Write([]byte(req))

	br := bufio.NewReader(client)
	status, _ := br.ReadString('\n')
	if !strings.Contains(status, "502") {
		t.Fatalf("expected 502, got %q", status)
	}
}

func TestUpstreamDialFailureReturns502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listens on addr now

	routes := newTestRoutes(t, fmt.Sprintf(`{"c.localhost":%q}`, addr))
	p := newTestPool()
	client := runProxy(t, routes, p)
	defer client.Close()

	req := "GET /x HTTP/1.1\r\nHost: c.localhost\r\nConnection: close\r\n\r\n"
	client.Write([]byte(req))

	br := bufio.NewReader(client)
	status, _ := br.ReadString('\n')
	if !strings.Contains(status, "502") {
		t.Fatalf("expected 502, got %q", status)
	}
}

func TestNormalRequestRelaysUpstreamResponseVerbatim(t *testing.T) {
	upstreamAddr, _, stopUpstream := fixedUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	defer stopUpstream()

	routes := newTestRoutes(t, fmt.Sprintf(`{"a.localhost":%q}`, upstreamAddr))
	p := newTestPool()
	client := runProxy(t, routes, p)
	defer client.Close()

	req := "GET /x HTTP/1.1\r\nHost: a.localhost\r\nConnection: close\r\n\r\n"
	client.Write([]byte(req))

	br := bufio.NewReader(client)
	status, _ := br.ReadString('\n')
	if !strings.Contains(status, "200") {
		t.Fatalf("expected 200, got %q", status)
	}
	headers := readHeaders(t, br)
	if _, ok := headers["x-flow-domainsd"]; ok {
		t.Fatalf("expected X-Flow-Domainsd absent on upstream passthrough, got headers %v", headers)
	}
	body := make([]byte, 5)
	io.ReadFull(br, body)
	if string(body) != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", body)
	}
}

func TestKeepaliveReusesOneUpstreamConnection(t *testing.T) {
	upstreamAddr, acceptCount, stopUpstream := fixedUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	defer stopUpstream()

	routes := newTestRoutes(t, fmt.Sprintf(`{"a.localhost":%q}`, upstreamAddr))
	p := newTestPool()
	client := runProxy(t, routes, p)
	defer client.Close()

	req := "GET /x HTTP/1.1\r\nHost: a.localhost\r\nConnection: keep-alive\r\n\r\n"
	br := bufio.NewReader(client)

	for i := 0; i < 2; i++ {
		client.Write([]byte(req))
		status, _ := br.ReadString('\n')
		if !strings.Contains(status, "200") {
			t.Fatalf("request %d: expected 200, got %q", i, status)
		}
		headers := readHeaders(t, br)
		body := make([]byte, mustInt(headers["content-length"]))
		io.ReadFull(br, body)
	}

	// The session keeps the upstream socket in its per-session cache
	// between the two requests; wait briefly so any extra upstream dial
	// would have been accepted before we inspect accept count.
	time.Sleep(50 * time.Millisecond)
	if *acceptCount != 1 {
		t.Fatalf("expected exactly 1 upstream accept across 2 keepalive requests, got %d", *acceptCount)
	}
}

func readHeaders(t *testing.T, br *bufio.Reader) map[string]string {
	t.Helper()
	headers := map[string]string{}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read header line: %v", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			return headers
		}
		idx := strings.IndexByte(trimmed, ':')
		if idx < 0 {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(trimmed[:idx]))] = strings.TrimSpace(trimmed[idx+1:])
	}
}

func mustInt(s string) int {
	n := 0
	fmt.Sscanf(s, "%d", &n)
	return n
}

// websocketEchoUpstream runs a real WebSocket server (gorilla/websocket's
// Upgrader over net/http) that echoes every text message it receives.
// It exists purely to drive the Upgrade Tunnel (spec.md §4.5, scenario
// S5) with genuine WebSocket framing instead of raw bytes — the tunnel
// itself stays a blind byte pump and never parses these frames.
func websocketEchoUpstream(t *testing.T) (addr string, stop func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	return ln.Addr().String(), func() { srv.Close() }
}

// TestUpgradeTunnelEchoesOverWebsocket exercises spec.md §8 scenario
// S5 end to end through the real Session.Handle Upgrade path: a
// gorilla/websocket client dials the proxy (Host routes to a
// gorilla/websocket echo upstream), sends "ping", and must receive
// the echoed "ping" back — proving the 101 handoff and byte pump relay genuine
// WebSocket frames without the proxy or tunnel interpreting them.
func TestUpgradeTunnelEchoesOverWebsocket(t *testing.T) {
	upstreamAddr, stopUpstream := websocketEchoUpstream(t)
	defer stopUpstream()

	routes := newTestRoutes(t, fmt.Sprintf(`{"ws.localhost":%q}`, upstreamAddr))
	p := newTestPool()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		st := &stats.Runtime{}
		s := New(conn, routes, p, st, testConfig(), testLogger())
		s.Handle()
	}()
	proxyAddr := ln.Addr().String()

	dialer := websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			return net.Dial(network, proxyAddr)
		},
		HandshakeTimeout: 2 * time.Second,
	}
	conn, resp, err := dialer.Dial("ws://ws.localhost/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial through proxy: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write message: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if string(msg) != "ping" {
		t.Fatalf("expected echo %q, got %q", "ping", msg)
	}
}
