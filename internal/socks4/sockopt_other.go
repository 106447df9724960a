//go:build !linux

package socks4

import "syscall"

// setListenSocketOptions is a no-op on platforms without the Linux
// socket-option constants this proxy tunes; net.Listen's own defaults
// apply.
func setListenSocketOptions(network, address string, c syscall.RawConn) error {
	return nil
}

// setDialSocketOptions is a no-op on platforms without the Linux
// socket-option constants this proxy tunes.
func setDialSocketOptions(network, address string, c syscall.RawConn) error {
	return nil
}
