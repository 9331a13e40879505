//go:build windows

package transport

import (
	"net"
	"syscall"
)

func setBroadcast(conn *net.UDPConn) error {
	return nil
}

// reuseAddrAndPort is a no-op on Windows: SO_REUSEPORT has no direct
// equivalent there, and a single discovery responder per host is an
// acceptable degradation there.
func reuseAddrAndPort(network, address string, c syscall.RawConn) error {
	return nil
}
