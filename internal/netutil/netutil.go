// Package netutil applies the socket options the control channels require:
// Nagle disabled, address reuse, and (on Linux) TCP_QUICKACK.
package netutil

import "net"

// TuneServerConn disables Nagle's algorithm and applies platform-specific
// low-latency options to a freshly accepted connection.
func TuneServerConn(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return err
	}
	quickAck(tcpConn)
	return nil
}

// TuneClientConn disables Nagle's algorithm on an outbound connection.
func TuneClientConn(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tcpConn.SetNoDelay(true)
}

// ListenConfig returns a net.ListenConfig with SO_REUSEADDR wired via Control,
// so a listener restart does not fail on a lingering TIME_WAIT socket.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: reuseAddrControl}
}
