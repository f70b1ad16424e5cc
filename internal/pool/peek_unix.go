//go:build linux || darwin

/*
Logic: non-blocking MSG_PEEK liveness probe (spec.md §4.2). The
standard library exposes no portable way to peek a byte without
blocking, so the probe reaches for golang.org/x/sys/unix directly on
the raw file descriptor, mirroring the corpus's willingness to drop to
platform syscalls for socket-level behavior the standard library
doesn't surface.
*/

package pool

import (
	"net"

	"golang.org/x/sys/unix"
)

func peek(conn *net.TCPConn) peekResult {
	raw, err := conn.SyscallConn()
	if err != nil {
		return peekError
	}

	var n int
	var peekErr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		buf := make([]byte, 1)
		n, _, peekErr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		return true
	})
	if ctrlErr != nil {
		return peekError
	}

	switch {
	case peekErr == unix.EAGAIN || peekErr == unix.EWOULDBLOCK:
		return peekIdle
	case peekErr != nil:
		return peekError
	case n == 0:
		return peekClosed
	default:
		return peekDataPending
	}
}
