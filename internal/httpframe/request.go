/*
Logic: C3 HTTP/1.1 Framer — request-side reading: start-line, headers,
and body framing (spec.md §4.3.1–§4.3.3). The same *bufio.Reader is
reused across iterations of a client session's request loop, so any
bytes already pulled into its internal buffer beyond the current
message boundary are implicitly the "leftover" spec.md §3/§9 describes
for the next pipelined request — no separate leftover buffer is needed.
*/

package httpframe

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/nikivdev/flow-domainsd/internal/perr"
)

// MaxHeaderBytes is the cap on a single request or response header
// block (spec.md §4.3.1).
const MaxHeaderBytes = 1 << 20

// Request is a fully parsed inbound HTTP/1.1 (or 1.0) message.
type Request struct {
	Method  string
	Target  string
	Version string
	Headers *HeaderList
	Body    []byte

	Host                 string // normalized: lowercased, port stripped
	RawHostHeader        string
	IsChunkedRequest     bool
	ClientWantsKeepalive bool
	IsUpgrade            bool
	UpgradeToken         string
	ContentLength        int64
	HasContentLength     bool
}

// ReadRequest parses one HTTP request off br, including its body.
// Returns io.EOF verbatim when no bytes are available at all (clean
// connection close between requests); any other parse failure is a
// *perr.ClientProtocolError.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	block, err := readHeaderBlock(br)
	if err != nil {
		return nil, err
	}

	req, err := parseStartLineAndHeaders(block)
	if err != nil {
		return nil, err
	}

	if err := classify(req); err != nil {
		return nil, err
	}

	body, err := readRequestBody(br, req)
	if err != nil {
		return nil, err
	}
	req.Body = body

	return req, nil
}

// readHeaderBlock reads up to and including the CRLFCRLF (or LFLF)
// terminator, capped at MaxHeaderBytes. Returns io.EOF if the
// connection closed before any bytes arrived at all.
func readHeaderBlock(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	sawAnyBytes := false
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			sawAnyBytes = true
			buf = append(buf, line...)
		}
		if len(buf) > MaxHeaderBytes {
			return nil, &perr.ClientProtocolError{Reason: "request headers too large"}
		}
		if isBlankLine(line) {
			return buf, nil
		}
		if err != nil {
			if err == io.EOF && !sawAnyBytes {
				return nil, io.EOF
			}
			return nil, &perr.ClientProtocolError{Reason: "connection closed before request headers completed"}
		}
	}
}

func isBlankLine(line string) bool {
	return line == "\r\n" || line == "\n"
}

func parseStartLineAndHeaders(block []byte) (*Request, error) {
	lines := splitLines(block)
	if len(lines) == 0 || lines[0] == "" {
		return nil, &perr.ClientProtocolError{Reason: "empty request"}
	}

	startLine := lines[0]
	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) != 3 {
		return nil, &perr.ClientProtocolError{Reason: "malformed request line"}
	}
	method, target, version := parts[0], parts[1], strings.TrimRight(parts[2], "\r\n")
	if method == "" || target == "" || !isValidHTTPVersion(version) {
		return nil, &perr.ClientProtocolError{Reason: "malformed request line"}
	}

	req := &Request{
		Method:  method,
		Target:  target,
		Version: version,
		Headers: parseHeaderLines(lines[1:]),
	}

	return req, nil
}

func isValidHTTPVersion(v string) bool {
	return v == "HTTP/1.1" || v == "HTTP/1.0"
}

func splitLines(block []byte) []string {
	var lines []string
	start := 0
	for i := 0; i < len(block); i++ {
		if block[i] == '\n' {
			lines = append(lines, string(block[start:i+1]))
			start = i + 1
		}
	}
	if start < len(block) {
		lines = append(lines, string(block[start:]))
	}
	return lines
}

// classify derives IsChunkedRequest, ClientWantsKeepalive, IsUpgrade,
// UpgradeToken, Host from the parsed headers (spec.md §4.3.2–§4.3.3,
// §4.5).
func classify(req *Request) error {
	req.IsChunkedRequest = req.Headers.ContainsFold("Transfer-Encoding", "chunked")

	if !req.IsChunkedRequest {
		if cl, ok := req.Headers.Get("Content-Length"); ok {
			n, err := strconv.ParseInt(cl, 10, 64)
			if err != nil || n < 0 {
				return &perr.ClientProtocolError{Reason: "invalid Content-Length"}
			}
			req.ContentLength = n
			req.HasContentLength = true
		}
	}

	req.ClientWantsKeepalive = keepaliveDecision(req.Version, req.Headers)

	if host, ok := req.Headers.Get("Host"); ok {
		req.RawHostHeader = host
		req.Host = normalizeHostLocal(host)
	}

	if upgrade, ok := req.Headers.Get("Upgrade"); ok && req.Headers.ContainsFold("Connection", "upgrade") {
		req.IsUpgrade = true
		req.UpgradeToken = upgrade
		if req.UpgradeToken == "" {
			req.UpgradeToken = "websocket"
		}
	}

	return nil
}

// keepaliveDecision implements spec.md §4.3.3 exactly.
func keepaliveDecision(version string, h *HeaderList) bool {
	closeTok := h.HasToken("Connection", "close")
	keepTok := h.HasToken("Connection", "keep-alive")
	switch version {
	case "HTTP/1.1":
		return !closeTok
	case "HTTP/1.0":
		return keepTok
	default:
		return false
	}
}

func normalizeHostLocal(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		if _, err := strconv.Atoi(host[idx+1:]); err == nil {
			host = host[:idx]
		}
	}
	return host
}

// readRequestBody dispatches on precedence: chunked, then
// Content-Length, then no body (spec.md §4.3.2).
func readRequestBody(br *bufio.Reader, req *Request) ([]byte, error) {
	switch {
	case req.IsChunkedRequest:
		return readChunkedBody(br)
	case req.HasContentLength:
		if req.ContentLength == 0 {
			return nil, nil
		}
		buf := make([]byte, req.ContentLength)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, &perr.ClientProtocolError{Reason: "truncated request body"}
		}
		return buf, nil
	default:
		return nil, nil
	}
}

// DrainBuffered returns (and removes) any bytes already sitting in
// br's internal buffer without issuing a network read. Used by the
// Upgrade path (spec.md §4.5) to forward bytes the client already sent
// immediately after the request headers.
func DrainBuffered(br *bufio.Reader) []byte {
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	_, _ = io.ReadFull(br, buf)
	return buf
}
