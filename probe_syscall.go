//go:build linux

package balancerd

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// probeControl configures the probe socket before connect: TCP_NODELAY so
// the handshake bytes leave immediately, SO_REUSEADDR so rapid re-probing
// from a fixed source does not trip TIME_WAIT, and IP_TRANSPARENT when the
// probe must carry a source address the host does not own.
func probeControl(transparent bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var soErr error
		err := c.Control(func(fd uintptr) {
			soErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			if soErr != nil {
				return
			}
			soErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if soErr != nil {
				return
			}
			if transparent {
				soErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			}
		})
		if err != nil {
			return err
		}
		return soErr
	}
}
