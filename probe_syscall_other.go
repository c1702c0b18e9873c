//go:build !linux

package balancerd

import "syscall"

// Transparent-source probing needs IP_TRANSPARENT, which only exists on
// Linux. Elsewhere the socket is used as the runtime configures it.
func probeControl(transparent bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
