//go:build unix

package cpfd

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl marks the socket reusable so a restarted server can rebind
// while old connections sit in TIME_WAIT.
func listenControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
