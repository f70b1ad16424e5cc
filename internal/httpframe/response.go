/*
Logic: C3 HTTP/1.1 Framer — response-side reading and relay (spec.md
§4.3.4). Body framing is modeled as a tagged variant (design note
spec.md §9) rather than ad-hoc booleans, since the post-relay reuse
decision differs per variant.
*/

package httpframe

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/nikivdev/flow-domainsd/internal/perr"
)

// BodyFraming is the tagged variant spec.md §9 calls for.
type BodyFraming int

const (
	FramingNoBody BodyFraming = iota
	FramingChunked
	FramingContentLength
	FramingUntilClose
)

// ResponseMeta is the parsed upstream response header block plus the
// derived flags spec.md §3/§4.3.4 name.
type ResponseMeta struct {
	StatusLine string
	Status     int
	Headers    *HeaderList

	Framing       BodyFraming
	ContentLength int64
	ConnectionClose bool
}

// ReadResponseHeaders reads one response header block from br (capped
// at MaxHeaderBytes, same rule as requests) and classifies its body
// framing. isHeadRequest controls the HEAD no-body rule (spec.md
// §4.3.4), since the status line alone cannot tell a HEAD response
// from a GET response with the same status.
func ReadResponseHeaders(br *bufio.Reader, isHeadRequest bool) (*ResponseMeta, error) {
	block, err := readHeaderBlock(br)
	if err != nil {
		if err == io.EOF {
			return nil, &perr.UpstreamIOError{Reason: "upstream closed before sending a response"}
		}
		return nil, &perr.UpstreamIOError{Reason: "malformed upstream response headers", Err: err}
	}

	lines := splitLines(block)
	if len(lines) == 0 {
		return nil, &perr.UpstreamIOError{Reason: "empty upstream response"}
	}

	statusLine := strings.TrimRight(lines[0], "\r\n")
	status, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, &perr.UpstreamIOError{Reason: "malformed upstream status line", Err: err}
	}

	meta := &ResponseMeta{
		StatusLine: statusLine,
		Status:     status,
		Headers:    parseHeaderLines(lines[1:]),
	}
	meta.ConnectionClose = meta.Headers.HasToken("Connection", "close")

	noBody := isHeadRequest ||
		status == 204 || status == 304 ||
		(status >= 100 && status < 200 && status != 101)

	chunked := meta.Headers.ContainsFold("Transfer-Encoding", "chunked")

	switch {
	case noBody:
		meta.Framing = FramingNoBody
	case chunked:
		meta.Framing = FramingChunked
	default:
		if cl, ok := meta.Headers.Get("Content-Length"); ok {
			n, err := strconv.ParseInt(cl, 10, 64)
			if err == nil && n >= 0 {
				meta.Framing = FramingContentLength
				meta.ContentLength = n
				break
			}
		}
		meta.Framing = FramingUntilClose
	}

	return meta, nil
}

func parseStatusLine(line string) (int, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, &perr.ClientProtocolError{Reason: "malformed status line"}
	}
	return strconv.Atoi(parts[1])
}

// RelayResult reports what the relay observed, which the client
// session uses to decide upstream (and client) reuse eligibility.
type RelayResult struct {
	UpstreamReusable bool
	Err              error
}

// RelayBody copies meta's body from upstream (br) to client (dst)
// according to its framing variant, returning whether the upstream
// connection remains keepalive-eligible afterward (spec.md §4.3.4).
func RelayBody(dst io.Writer, br *bufio.Reader, meta *ResponseMeta) RelayResult {
	switch meta.Framing {
	case FramingNoBody:
		return relayNoBody(dst, br, meta)
	case FramingChunked:
		if err := relayChunkedBody(dst, br); err != nil {
			return RelayResult{UpstreamReusable: false, Err: err}
		}
		return RelayResult{UpstreamReusable: !meta.ConnectionClose}
	case FramingContentLength:
		return relayContentLength(dst, br, meta)
	default: // FramingUntilClose
		if _, err := io.Copy(dst, br); err != nil {
			return RelayResult{UpstreamReusable: false, Err: &perr.UpstreamIOError{Reason: "upstream read failed", Err: err}}
		}
		return RelayResult{UpstreamReusable: false}
	}
}

func relayNoBody(dst io.Writer, br *bufio.Reader, meta *ResponseMeta) RelayResult {
	if n := br.Buffered(); n > 0 {
		extra := make([]byte, n)
		_, _ = io.ReadFull(br, extra)
		if _, err := dst.Write(extra); err != nil {
			return RelayResult{UpstreamReusable: false, Err: &perr.UpstreamIOError{Reason: "client write failed", Err: err}}
		}
		return RelayResult{UpstreamReusable: false}
	}
	return RelayResult{UpstreamReusable: !meta.ConnectionClose}
}

func relayContentLength(dst io.Writer, br *bufio.Reader, meta *ResponseMeta) RelayResult {
	n, err := io.CopyN(dst, br, meta.ContentLength)
	if err != nil {
		if n < meta.ContentLength {
			return RelayResult{UpstreamReusable: false, Err: &perr.UpstreamIOError{Reason: "upstream closed before sending the full response body", Err: err}}
		}
		return RelayResult{UpstreamReusable: false, Err: &perr.UpstreamIOError{Reason: "client write failed", Err: err}}
	}
	return RelayResult{UpstreamReusable: !meta.ConnectionClose}
}
