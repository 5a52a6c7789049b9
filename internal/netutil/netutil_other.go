//go:build !linux

package netutil

import (
	"net"
	"syscall"
)

// quickAck is a no-op outside Linux; TCP_QUICKACK has no portable analogue.
func quickAck(conn *net.TCPConn) {}

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
