/*
Logic: C1 Route Table — a read-mostly host -> upstream-authority map,
refreshed from a JSON file on a rate-limited mtime check. Grounded on
the teacher's provider.Registry/HealthPoller pattern of a mutex-guarded
map refreshed by a background signal, generalized to a pull-based
"check on every lookup" reload since spec.md §4.1 ties reload strictly
to caller-observed time rather than a free-running ticker.
*/

package routetable

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

const reloadInterval = 100 * time.Millisecond

// Table is the shared, internally synchronized route table described
// in spec.md §3. Zero value is not usable; use New.
type Table struct {
	fs   afero.Fs
	path string
	log  zerolog.Logger

	mu          sync.RWMutex
	routes      map[string]string
	loadedMtime time.Time
	lastChecked time.Time

	group singleflight.Group
}

// New creates an (initially empty) route table backed by path on fs.
// The first Lookup or Size call triggers the initial load.
func New(fs afero.Fs, path string, log zerolog.Logger) *Table {
	return &Table{
		fs:     fs,
		path:   path,
		log:    log.With().Str("component", "routetable").Logger(),
		routes: map[string]string{},
	}
}

// Lookup returns the upstream authority for host (already possibly
// containing a ":port" suffix and mixed case), or ("", false) if no
// route is configured. Triggers a bounded-rate reload check first.
func (t *Table) Lookup(host string) (string, bool) {
	t.maybeReload()
	key := NormalizeHost(host)

	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.routes[key]
	return target, ok
}

// Size returns the number of loaded routes, after a reload check.
func (t *Table) Size() int {
	t.maybeReload()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// NormalizeHost lowercases host and strips any trailing ":port".
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		// Only a numeric-only suffix after the last colon is treated as
		// the port, so a bracketed IPv6 literal like "[::1]" is left
		// alone; an unbracketed "::1" loses its last group.
		if _, err := strconv.Atoi(host[idx+1:]); err == nil {
			host = host[:idx]
		}
	}
	return host
}

func (t *Table) maybeReload() {
	t.mu.RLock()
	due := time.Since(t.lastChecked) >= reloadInterval
	t.mu.RUnlock()
	if !due {
		return
	}

	// Collapse concurrent reload attempts into a single stat+parse.
	_, _, _ = t.group.Do(t.path, func() (interface{}, error) {
		t.mu.Lock()
		stillDue := time.Since(t.lastChecked) >= reloadInterval
		t.mu.Unlock()
		if !stillDue {
			return nil, nil
		}
		t.reloadOnce()
		return nil, nil
	})
}

func (t *Table) reloadOnce() {
	t.mu.Lock()
	t.lastChecked = time.Now()
	t.mu.Unlock()

	info, err := t.fs.Stat(t.path)
	if err != nil {
		// Missing/unreadable file: best-effort, table stays as-is.
		t.log.Debug().Err(err).Str("path", t.path).Msg("routes file stat failed, keeping previous table")
		return
	}

	t.mu.RLock()
	unchanged := info.ModTime().Equal(t.loadedMtime)
	t.mu.RUnlock()
	if unchanged {
		return
	}

	raw, err := afero.ReadFile(t.fs, t.path)
	if err != nil {
		t.log.Warn().Err(err).Str("path", t.path).Msg("routes file read failed, keeping previous table")
		return
	}

	parsed, err := parse(raw)
	if err != nil {
		t.log.Warn().Err(err).Str("path", t.path).Msg("routes file parse failed, keeping previous table")
		return
	}

	t.mu.Lock()
	t.routes = parsed
	t.loadedMtime = info.ModTime()
	t.mu.Unlock()

	t.log.Info().Int("routes", len(parsed)).Str("path", t.path).Msg("routes reloaded")
}

// parse interprets raw as a flat JSON object of string -> string. Hosts
// are lowercased, targets trimmed; empty keys or values are discarded;
// duplicate keys keep the last value (Go's json.Unmarshal already does
// this for object fields).
func parse(raw []byte) (map[string]string, error) {
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(flat))
	for k, v := range flat {
		host := strings.ToLower(strings.TrimSpace(k))
		target := strings.TrimSpace(v)
		if host == "" || target == "" {
			continue
		}
		out[host] = target
	}
	return out, nil
}
