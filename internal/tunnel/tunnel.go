/*
Logic: C5 Upgrade Tunnel — a blind bidirectional byte pump for
Connection: Upgrade handshakes (spec.md §4.5). Grounded on the
teacher's reverse-proxy hijack pattern of pumping two io.Copy loops
joined by a WaitGroup, generalized here to propagate half-close in
both directions (spec.md: "when one direction ends, the tunnel
half-closes the write side of the other direction ... then waits for
the reverse direction to finish") rather than tearing both sockets down
the instant either side sees EOF.
*/

package tunnel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nikivdev/flow-domainsd/internal/stats"
)

// Result reports byte counts per direction, useful for tests and
// optional debug logging.
type Result struct {
	ClientToUpstream int64
	UpstreamToClient int64
}

// Run pumps bytes bidirectionally between client and upstream until
// both directions have ended, then closes both sockets. upstreamReader
// must be the *bufio.Reader the caller used to read the upgrade
// negotiation response — any bytes already buffered past that response
// are drained as the first upstream-to-client tunnel bytes.
func Run(client net.Conn, upstream net.Conn, upstreamReader *bufio.Reader, log zerolog.Logger) Result {
	var result Result
	var wg sync.WaitGroup
	wg.Add(2)

	var counters [2]stats.Counter

	go func() {
		defer wg.Done()
		n, _ := io.Copy(client, upstreamReader)
		counters[0].Add(n)
		halfClose(client, "write")
		halfClose(upstream, "read")
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(upstream, client)
		counters[1].Add(n)
		halfClose(upstream, "write")
		halfClose(client, "read")
	}()

	wg.Wait()

	result.UpstreamToClient = counters[0].Get()
	result.ClientToUpstream = counters[1].Get()

	client.Close()
	upstream.Close()

	log.Debug().
		Int64("client_to_upstream_bytes", result.ClientToUpstream).
		Int64("upstream_to_client_bytes", result.UpstreamToClient).
		Msg("tunnel closed")

	return result
}

// halfClose closes one direction of conn if the concrete type supports
// it (TCPConn does); a full bidirectional close at tunnel end handles
// any connection type that doesn't.
func halfClose(conn net.Conn, side string) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	switch side {
	case "write":
		_ = tcp.CloseWrite()
	case "read":
		_ = tcp.CloseRead()
	}
}
