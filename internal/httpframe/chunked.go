/*
Logic: chunked transfer-encoding, both directions (spec.md §4.3.2,
§4.3.4). readChunkedBody decodes a request body into memory (the
proxy always knows client request bodies are small enough to buffer
before forwarding, since it must re-frame them with a fresh
Content-Length). relayChunkedBody instead streams a response body
chunk-by-chunk, preserving the exact on-wire bytes, since response
bodies may be arbitrarily large or long-lived (SSE, etc.).
*/

package httpframe

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/nikivdev/flow-domainsd/internal/perr"
)

func readChunkedBody(br *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		size, err := readChunkSizeLine(br)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			if err := discardTrailers(br); err != nil {
				return nil, err
			}
			return body, nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, &perr.ClientProtocolError{Reason: "truncated chunk body"}
		}
		if err := expectCRLF(br); err != nil {
			return nil, err
		}
		body = append(body, chunk...)
	}
}

// relayChunkedBody streams upstream's chunked response body to dst
// verbatim, returning an error if the on-wire framing is invalid.
func relayChunkedBody(dst io.Writer, br *bufio.Reader) error {
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return &perr.UpstreamIOError{Reason: "truncated chunk size line", Err: err}
		}
		if _, err := dst.Write([]byte(line)); err != nil {
			return &perr.UpstreamIOError{Reason: "client write failed", Err: err}
		}

		size, err := parseChunkSize(line)
		if err != nil {
			return err
		}

		if size == 0 {
			return relayTrailers(dst, br)
		}

		if _, err := io.CopyN(dst, br, int64(size)); err != nil {
			return &perr.UpstreamIOError{Reason: "truncated chunk data", Err: err}
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(br, crlf); err != nil {
			return &perr.UpstreamIOError{Reason: "missing chunk CRLF terminator", Err: err}
		}
		if crlf[0] != '\r' || crlf[1] != '\n' {
			return &perr.UpstreamIOError{Reason: "malformed chunk CRLF terminator"}
		}
		if _, err := dst.Write(crlf); err != nil {
			return &perr.UpstreamIOError{Reason: "client write failed", Err: err}
		}
	}
}

func readChunkSizeLine(br *bufio.Reader) (uint64, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, &perr.ClientProtocolError{Reason: "truncated chunk size line"}
	}
	return parseChunkSize(line)
}

func parseChunkSize(line string) (uint64, error) {
	trimmed := strings.TrimRight(line, "\r\n")
	if idx := strings.IndexByte(trimmed, ';'); idx >= 0 {
		trimmed = trimmed[:idx] // discard chunk extensions
	}
	trimmed = strings.TrimSpace(trimmed)
	size, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, &perr.ClientProtocolError{Reason: "invalid chunk size"}
	}
	return size, nil
}

func expectCRLF(br *bufio.Reader) error {
	crlf := make([]byte, 2)
	if _, err := io.ReadFull(br, crlf); err != nil {
		return &perr.ClientProtocolError{Reason: "missing chunk CRLF terminator"}
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return &perr.ClientProtocolError{Reason: "malformed chunk CRLF terminator"}
	}
	return nil
}

func discardTrailers(br *bufio.Reader) error {
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return &perr.ClientProtocolError{Reason: "truncated chunk trailers"}
		}
		if isBlankLine(line) {
			return nil
		}
	}
}

func relayTrailers(dst io.Writer, br *bufio.Reader) error {
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return &perr.UpstreamIOError{Reason: "truncated chunk trailers", Err: err}
		}
		if _, err := dst.Write([]byte(line)); err != nil {
			return &perr.UpstreamIOError{Reason: "client write failed", Err: err}
		}
		if isBlankLine(line) {
			return nil
		}
	}
}
