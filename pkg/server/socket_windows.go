// ABOUTME: Windows-specific listener control for SO_REUSEADDR
// ABOUTME: Lets the relay rebind its port right after a restart
//go:build windows

package server

import (
	"syscall"
)

// reuseAddrControl sets SO_REUSEADDR on the listening socket
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		// On Windows the descriptor is a syscall.Handle
		sockErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
