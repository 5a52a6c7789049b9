//go:build linux

package netutil

import (
	"net"
	"syscall"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// quickAck sets TCP_QUICKACK on freshly accepted connections so the kernel
// does not delay ACKs while the servo-cadence writer is waiting on them.
// TCP_QUICKACK is not sticky: it must be reapplied after every read, but for
// the control channels here one shot at accept time is enough to avoid the
// initial delayed-ACK hit during the handshake/first frames.
func quickAck(conn *net.TCPConn) {
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		return
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
}

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
