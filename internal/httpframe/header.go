/*
Logic: C3 HTTP/1.1 Framer — header representation. Preserves the
original ordered header list for forwarding while also building a
case-insensitive "last value wins" index for policy decisions, exactly
as spec.md §3/§4.3.1 describe.
*/

package httpframe

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Header is a single forwarded header line, order-preserving.
type Header struct {
	Name  string
	Value string
}

// HeaderList is the ordered sequence of headers as received on the
// wire, plus a derived case-insensitive index.
type HeaderList struct {
	Ordered []Header
	index   map[string]string // lowercased name -> last value
}

func newHeaderList() *HeaderList {
	return &HeaderList{index: map[string]string{}}
}

// add appends a header, ignoring lines whose name/value fail basic
// HTTP token/field-value syntax (spec.md §4.3.1: "lines without ':'
// are ignored (not forwarded either)" — malformed names/values get the
// same treatment, since forwarding them verbatim would desync upstream
// parsers).
func (h *HeaderList) add(name, value string) bool {
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return false
	}
	h.Ordered = append(h.Ordered, Header{Name: name, Value: value})
	h.index[strings.ToLower(name)] = value
	return true
}

// parseHeaderLines builds a HeaderList from header-section lines
// (start-line excluded), skipping the blank terminator and any line
// without a ':' (spec.md §4.3.1).
func parseHeaderLines(lines []string) *HeaderList {
	h := newHeaderList()
	for _, line := range lines {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if name == "" {
			continue
		}
		h.add(name, value)
	}
	return h
}

// Get returns the last value seen for name (case-insensitive), and
// whether it was present at all.
func (h *HeaderList) Get(name string) (string, bool) {
	v, ok := h.index[strings.ToLower(name)]
	return v, ok
}

// GetDefault returns the last value for name, or fallback if absent.
func (h *HeaderList) GetDefault(name, fallback string) string {
	if v, ok := h.Get(name); ok {
		return v
	}
	return fallback
}

// HasToken reports whether name's value, split on commas, contains
// token (case-insensitive, trimmed). Used for Connection token checks.
func (h *HeaderList) HasToken(name, token string) bool {
	v, ok := h.Get(name)
	if !ok {
		return false
	}
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// ContainsFold reports whether name's value contains sub as a
// case-insensitive substring. Used for "Transfer-Encoding: chunked"
// and "Connection: upgrade" checks, which spec.md defines as
// substring matches rather than strict token matches.
func (h *HeaderList) ContainsFold(name, sub string) bool {
	v, ok := h.Get(name)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(v), strings.ToLower(sub))
}
