/*
Logic: C7 Lifecycle & Config — startup/shutdown orchestration (spec.md
§4.7): parse/validate already happened in internal/config; this package
covers the rest of the order ("write pidfile -> install signal handlers
-> bind or inherit listener -> log startup -> accept loop -> signal ->
close listener -> remove pidfile"). Grounded on the teacher's main.go
signal.Notify/graceful-shutdown shape, adapted from an *http.Server to
our raw listener.Listener.
*/

package daemon

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/nikivdev/flow-domainsd/internal/config"
	"github.com/nikivdev/flow-domainsd/internal/listener"
	"github.com/nikivdev/flow-domainsd/internal/pool"
	"github.com/nikivdev/flow-domainsd/internal/routetable"
	"github.com/nikivdev/flow-domainsd/internal/session"
	"github.com/nikivdev/flow-domainsd/internal/stats"
)

// Run executes the full daemon lifecycle and blocks until shutdown. It
// returns a non-nil error for startup failures and for an accept loop
// that fails on its own, both of which exit with code 1 (spec.md §6
// exit codes); a clean signal-driven shutdown returns nil.
func Run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("listen", cfg.Listen).
		Str("routes", cfg.Routes).
		Msg("flow-domainsd starting")

	fs := afero.NewOsFs()

	if err := writePidfile(fs, cfg.Pidfile); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	defer removePidfile(fs, cfg.Pidfile, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ln, err := obtainListener(cfg.Listen, cfg.LaunchdSocket)
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}

	routes := routetable.New(fs, cfg.Routes, log)
	upstreamPool := pool.New(pool.Config{
		MaxIdlePerKey:  cfg.PoolMaxIdlePerKey,
		MaxIdleTotal:   cfg.PoolMaxIdleTotal,
		IdleTimeout:    time.Duration(cfg.PoolIdleTimeoutMS) * time.Millisecond,
		MaxAge:         time.Duration(cfg.PoolMaxAgeMS) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.UpstreamConnectTimeoutMS) * time.Millisecond,
	}, log)
	runtimeStats := &stats.Runtime{}

	sessionCfg := session.Config{
		UpstreamConnectTimeout: time.Duration(cfg.UpstreamConnectTimeoutMS) * time.Millisecond,
		UpstreamIOTimeout:      time.Duration(cfg.UpstreamIOTimeoutMS) * time.Millisecond,
		ClientIOTimeout:        time.Duration(cfg.ClientIOTimeoutMS) * time.Millisecond,
		MaxActiveClients:       cfg.MaxActiveClients,
		PoolMaxIdlePerKey:      cfg.PoolMaxIdlePerKey,
		PoolMaxIdleTotal:       cfg.PoolMaxIdleTotal,
		PoolIdleTimeout:        time.Duration(cfg.PoolIdleTimeoutMS) * time.Millisecond,
		PoolMaxAge:             time.Duration(cfg.PoolMaxAgeMS) * time.Millisecond,
	}

	l := listener.New(ln, routes, upstreamPool, runtimeStats, sessionCfg, log)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("flow-domainsd listening")
		serveErr <- l.Serve()
	}()

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		_ = l.Close()
		<-serveErr
		log.Info().Msg("flow-domainsd stopped gracefully")
		return nil
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("accept loop failed: %w", err)
		}
		return nil
	}
}

// writePidfile and removePidfile go through afero.Fs rather than raw
// os calls, matching the routes file's filesystem abstraction (spec.md
// §6's "filesystem access is abstracted for testability").
func writePidfile(fs afero.Fs, path string) error {
	return afero.WriteFile(fs, path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func removePidfile(fs afero.Fs, path string, log zerolog.Logger) {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("pidfile removal failed")
	}
}

// obtainListener implements spec.md §9's "abstract obtain listening
// socket behind a single function": bind fresh, unless a socket
// activation name is given, in which case the platform is expected to
// have already passed the listening socket as fd 3 (the systemd/launchd
// convention for the first activation socket) — inherited via
// net.FileListener rather than a fresh Listen call.
func obtainListener(listen, launchdSocket string) (net.Listener, error) {
	if launchdSocket != "" {
		f := os.NewFile(3, launchdSocket)
		if f == nil {
			return nil, fmt.Errorf("socket activation: no inherited file descriptor for %q", launchdSocket)
		}
		ln, err := net.FileListener(f)
		if err != nil {
			return nil, fmt.Errorf("socket activation: %w", err)
		}
		return ln, nil
	}

	// The standard library exposes no portable listen-backlog knob, so
	// net.Listen uses the backlog the runtime derives from the OS
	// setting; ListenBacklog (256) is not applied here.
	_ = listener.ListenBacklog
	return net.Listen("tcp", listen)
}
