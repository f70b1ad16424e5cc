package routetable

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestLookupNormalizesHostAndPort(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/routes.json", []byte(`{"Myflow.localhost":"127.0.0.1:3000"}`), 0o644)

	tbl := New(fs, "/routes.json", testLogger())

	target, ok := tbl.Lookup("MYFLOW.localhost:8080")
	if !ok || target != "127.0.0.1:3000" {
		t.Fatalf("expected route, got %q ok=%v", target, ok)
	}
}

func TestLookupMiss(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/routes.json", []byte(`{}`), 0o644)
	tbl := New(fs, "/routes.json", testLogger())

	if _, ok := tbl.Lookup("nope.localhost"); ok {
		t.Fatalf("expected no route")
	}
}

func TestMissingFileYieldsEmptyTable(t *testing.T) {
	fs := afero.NewMemMapFs()
	tbl := New(fs, "/does-not-exist.json", testLogger())

	if n := tbl.Size(); n != 0 {
		t.Fatalf("expected empty table, got size %d", n)
	}
}

func TestEmptyKeysAndValuesDiscarded(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/routes.json", []byte(`{"":"x:1", "a.localhost":"", "b.localhost":"1.2.3.4:80"}`), 0o644)
	tbl := New(fs, "/routes.json", testLogger())

	if n := tbl.Size(); n != 1 {
		t.Fatalf("expected 1 route, got %d", n)
	}
	if _, ok := tbl.Lookup("b.localhost"); !ok {
		t.Fatalf("expected b.localhost to resolve")
	}
}

func TestReloadPicksUpChangesAfterInterval(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/routes.json", []byte(`{"a.localhost":"127.0.0.1:1111"}`), 0o644)
	tbl := New(fs, "/routes.json", testLogger())

	if target, _ := tbl.Lookup("a.localhost"); target != "127.0.0.1:1111" {
		t.Fatalf("unexpected initial target %q", target)
	}

	// Ensure the new mtime differs and the reload gate has elapsed.
	time.Sleep(150 * time.Millisecond)
	afero.WriteFile(fs, "/routes.json", []byte(`{"a.localhost":"127.0.0.1:2222"}`), 0o644)
	if err := fs.Chtimes("/routes.json", time.Now().Add(time.Hour), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	target, ok := tbl.Lookup("a.localhost")
	if !ok || target != "127.0.0.1:2222" {
		t.Fatalf("expected reloaded target, got %q ok=%v", target, ok)
	}
}

func TestUnreadableFileKeepsPreviousTable(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/routes.json", []byte(`{"a.localhost":"127.0.0.1:1111"}`), 0o644)
	tbl := New(fs, "/routes.json", testLogger())
	tbl.Lookup("a.localhost") // prime the initial load

	time.Sleep(150 * time.Millisecond)
	fs.Remove("/routes.json")

	target, ok := tbl.Lookup("a.localhost")
	if !ok || target != "127.0.0.1:1111" {
		t.Fatalf("expected previous table preserved, got %q ok=%v", target, ok)
	}
}

func TestNormalizeHostLeavesIPv6Alone(t *testing.T) {
	if got := NormalizeHost("[::1]"); got != "[::1]" {
		t.Fatalf("expected bracketed IPv6 literal untouched, got %q", got)
	}
}
