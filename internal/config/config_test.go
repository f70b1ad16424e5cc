package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nikivdev/flow-domainsd/internal/config"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := config.Parse([]string{"--routes", "/tmp/routes.json", "--pidfile", "/tmp/flow.pid"}, "/nonexistent.env")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != "127.0.0.1:80" {
		t.Fatalf("expected default listen address, got %q", cfg.Listen)
	}
	if cfg.MaxActiveClients != 128 {
		t.Fatalf("expected default max-active-clients 128, got %d", cfg.MaxActiveClients)
	}
	if cfg.PoolMaxIdleTotal != 256 {
		t.Fatalf("expected default pool-max-idle-total 256, got %d", cfg.PoolMaxIdleTotal)
	}
}

func TestParseFlagsOverrideDefaults(t *testing.T) {
	cfg, err := config.Parse([]string{
		"--routes", "/tmp/routes.json",
		"--pidfile", "/tmp/flow.pid",
		"--listen", "0.0.0.0:8080",
		"--max-active-clients", "64",
	}, "/nonexistent.env")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != "0.0.0.0:8080" {
		t.Fatalf("expected overridden listen address, got %q", cfg.Listen)
	}
	if cfg.MaxActiveClients != 64 {
		t.Fatalf("expected overridden max-active-clients, got %d", cfg.MaxActiveClients)
	}
}

func TestParseMissingRoutesIsExitError(t *testing.T) {
	_, err := config.Parse([]string{"--pidfile", "/tmp/flow.pid"}, "/nonexistent.env")
	var exitErr *config.ExitError
	if !asExitError(err, &exitErr) {
		t.Fatalf("expected *config.ExitError, got %v (%T)", err, err)
	}
	if exitErr.Code != 2 {
		t.Fatalf("expected exit code 2, got %d", exitErr.Code)
	}
}

func TestValidateRejectsInvertedPoolCaps(t *testing.T) {
	_, err := config.Parse([]string{
		"--routes", "/tmp/routes.json",
		"--pidfile", "/tmp/flow.pid",
		"--pool-max-idle-per-key", "32",
		"--pool-max-idle-total", "8",
	}, "/nonexistent.env")
	if err == nil {
		t.Fatal("expected validation error for pool-max-idle-total < pool-max-idle-per-key")
	}
}

func TestParseSeedsDefaultsFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	contents := "FLOW_LISTEN=127.0.0.1:9090\nFLOW_MAX_ACTIVE_CLIENTS=16\n"
	if err := os.WriteFile(envPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := config.Parse([]string{"--routes", "/tmp/routes.json", "--pidfile", "/tmp/flow.pid"}, envPath)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9090" {
		t.Fatalf("expected .env-seeded listen address, got %q", cfg.Listen)
	}
	if cfg.MaxActiveClients != 16 {
		t.Fatalf("expected .env-seeded max-active-clients, got %d", cfg.MaxActiveClients)
	}
}

func TestExplicitFlagWinsOverEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("FLOW_LISTEN=127.0.0.1:9090\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := config.Parse([]string{
		"--routes", "/tmp/routes.json",
		"--pidfile", "/tmp/flow.pid",
		"--listen", "127.0.0.1:7000",
	}, envPath)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7000" {
		t.Fatalf("expected explicit flag to win over .env default, got %q", cfg.Listen)
	}
}

func asExitError(err error, target **config.ExitError) bool {
	e, ok := err.(*config.ExitError)
	if !ok {
		return false
	}
	*target = e
	return true
}
