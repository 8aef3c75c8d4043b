//go:build unix

package media

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets a new call bind the RTP port while the previous socket is
// still draining.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
