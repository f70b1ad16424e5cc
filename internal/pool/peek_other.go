//go:build !linux && !darwin

package pool

import (
	"net"
	"time"
)

// peek degrades to a deadline-bounded zero-effort read on platforms
// without golang.org/x/sys/unix socket-peek support. It is never
// exercised on the daemon's supported deployment targets (Linux,
// macOS) but keeps the package buildable elsewhere.
func peek(conn *net.TCPConn) peekResult {
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n > 0 {
		return peekDataPending
	}
	if err == nil {
		return peekClosed
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return peekIdle
	}
	return peekClosed
}
