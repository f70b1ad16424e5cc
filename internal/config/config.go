/*
Logic: CLI flag parsing and validation for the flow-domainsd daemon,
with an optional .env overlay for flag defaults.
Root Cause: §6/§4.7 — the daemon is configured exclusively through CLI
flags; an .env file may seed defaults so operators don't repeat flags
across invocations, mirroring the teacher gateway's config.Load().
*/

package config

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	Listen     string
	Routes     string
	Pidfile    string
	LaunchdSocket string

	MaxActiveClients int

	UpstreamConnectTimeoutMS int
	UpstreamIOTimeoutMS      int
	ClientIOTimeoutMS        int

	PoolMaxIdlePerKey int
	PoolMaxIdleTotal  int
	PoolIdleTimeoutMS int
	PoolMaxAgeMS      int

	LogPretty bool
}

// ExitError carries the process exit code a flag-parse/validation
// failure should produce (2, per spec.md §4.7/§6).
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// Parse reads the process's .env (if present) to seed flag defaults,
// then parses args. On -h/--help it returns an *ExitError with Code 0;
// on a flag-parse or validation failure, an *ExitError with Code 2.
func Parse(args []string, envFile string) (*Config, error) {
	defaults := loadEnvDefaults(envFile)

	fs := flag.NewFlagSet("flow-domainsd", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "flow-domainsd — single-host HTTP reverse proxy for *.localhost names")
		fs.PrintDefaults()
	}

	cfg := &Config{}
	fs.StringVar(&cfg.Listen, "listen", defaults.getString("FLOW_LISTEN", "127.0.0.1:80"), "address to listen on")
	fs.StringVar(&cfg.Routes, "routes", defaults.getString("FLOW_ROUTES", ""), "path to the routes JSON file (required)")
	fs.StringVar(&cfg.Pidfile, "pidfile", defaults.getString("FLOW_PIDFILE", ""), "path to write the daemon pidfile (required)")
	fs.StringVar(&cfg.LaunchdSocket, "launchd-socket", defaults.getString("FLOW_LAUNCHD_SOCKET", ""), "named socket to inherit via socket activation instead of binding")
	fs.IntVar(&cfg.MaxActiveClients, "max-active-clients", defaults.getInt("FLOW_MAX_ACTIVE_CLIENTS", 128), "maximum concurrently active client sessions")
	fs.IntVar(&cfg.UpstreamConnectTimeoutMS, "upstream-connect-timeout-ms", defaults.getInt("FLOW_UPSTREAM_CONNECT_TIMEOUT_MS", 10000), "upstream dial timeout in milliseconds")
	fs.IntVar(&cfg.UpstreamIOTimeoutMS, "upstream-io-timeout-ms", defaults.getInt("FLOW_UPSTREAM_IO_TIMEOUT_MS", 15000), "upstream send/recv timeout in milliseconds")
	fs.IntVar(&cfg.ClientIOTimeoutMS, "client-io-timeout-ms", defaults.getInt("FLOW_CLIENT_IO_TIMEOUT_MS", 30000), "client send/recv timeout in milliseconds")
	fs.IntVar(&cfg.PoolMaxIdlePerKey, "pool-max-idle-per-key", defaults.getInt("FLOW_POOL_MAX_IDLE_PER_KEY", 8), "max idle upstream connections per host:port")
	fs.IntVar(&cfg.PoolMaxIdleTotal, "pool-max-idle-total", defaults.getInt("FLOW_POOL_MAX_IDLE_TOTAL", 256), "max idle upstream connections across all keys")
	fs.IntVar(&cfg.PoolIdleTimeoutMS, "pool-idle-timeout-ms", defaults.getInt("FLOW_POOL_IDLE_TIMEOUT_MS", 15000), "max time an idle upstream connection is kept")
	fs.IntVar(&cfg.PoolMaxAgeMS, "pool-max-age-ms", defaults.getInt("FLOW_POOL_MAX_AGE_MS", 120000), "max lifetime of an upstream connection, idle or not")
	fs.BoolVar(&cfg.LogPretty, "log-pretty", defaults.getBool("FLOW_LOG_PRETTY", false), "write human-readable logs instead of JSON")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, &ExitError{Code: 0, Err: err}
		}
		return nil, &ExitError{Code: 2, Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ExitError{Code: 2, Err: err}
	}
	return cfg, nil
}

// Validate enforces the positivity and cross-field constraints spec.md
// §4.7 requires before startup proceeds.
func (c *Config) Validate() error {
	if c.Routes == "" {
		return fmt.Errorf("--routes is required")
	}
	if c.Pidfile == "" {
		return fmt.Errorf("--pidfile is required")
	}
	if c.MaxActiveClients <= 0 {
		return fmt.Errorf("--max-active-clients must be positive")
	}
	if c.UpstreamConnectTimeoutMS <= 0 {
		return fmt.Errorf("--upstream-connect-timeout-ms must be positive")
	}
	if c.UpstreamIOTimeoutMS <= 0 {
		return fmt.Errorf("--upstream-io-timeout-ms must be positive")
	}
	if c.ClientIOTimeoutMS <= 0 {
		return fmt.Errorf("--client-io-timeout-ms must be positive")
	}
	if c.PoolMaxIdlePerKey <= 0 {
		return fmt.Errorf("--pool-max-idle-per-key must be positive")
	}
	if c.PoolMaxIdleTotal <= 0 {
		return fmt.Errorf("--pool-max-idle-total must be positive")
	}
	if c.PoolMaxIdleTotal < c.PoolMaxIdlePerKey {
		return fmt.Errorf("--pool-max-idle-total must be >= --pool-max-idle-per-key")
	}
	if c.PoolIdleTimeoutMS <= 0 {
		return fmt.Errorf("--pool-idle-timeout-ms must be positive")
	}
	if c.PoolMaxAgeMS <= 0 {
		return fmt.Errorf("--pool-max-age-ms must be positive")
	}
	return nil
}

type envDefaults map[string]string

func loadEnvDefaults(path string) envDefaults {
	var m envDefaults
	var err error
	if path != "" {
		m, err = godotenv.Read(path)
	} else {
		m, err = godotenv.Read()
	}
	if err != nil {
		return envDefaults{}
	}
	return m
}

func (e envDefaults) getString(key, fallback string) string {
	if v, ok := e[key]; ok && v != "" {
		return v
	}
	return fallback
}

func (e envDefaults) getInt(key string, fallback int) int {
	if v, ok := e[key]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func (e envDefaults) getBool(key string, fallback bool) bool {
	if v, ok := e[key]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
