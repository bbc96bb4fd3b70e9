// ABOUTME: Unix-specific listener control for SO_REUSEADDR
// ABOUTME: Lets the relay rebind its port right after a restart
//go:build unix

package server

import (
	"syscall"
)

// reuseAddrControl sets SO_REUSEADDR on the listening socket
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
