// Package frame implements the framed TCP endpoint shared by the reverse,
// trajectory, script-command and script-sender channels (spec.md §4.1): one
// listener, one live client at a time, Nagle disabled, address reuse, and a
// background liveness read that detects disconnect.
package frame

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/robotlink/elited/internal/metrics"
	"github.com/robotlink/elited/internal/netutil"
)

var (
	// ErrBindFailed is returned by Listen when the listener cannot be
	// created; construction-time and fatal per spec.md §4.1.
	ErrBindFailed = errors.New("listener bind failed")
	// ErrNotConnected is returned by Send when no client is currently adopted.
	ErrNotConnected = errors.New("no client connected")
)

// Endpoint accepts one client at a time on a bound TCP port. A newly
// accepted connection supersedes any prior one: the prior connection is
// closed before the new one is handed to onAccept (spec.md invariant 1).
type Endpoint struct {
	name     string
	logger   *slog.Logger
	metrics  *metrics.Registry
	listener net.Listener
	onAccept func(conn net.Conn)

	mu     sync.Mutex
	conn   net.Conn
	closed chan struct{}
	wg     sync.WaitGroup
}

// Listen binds addr and starts the accept loop. name identifies the channel
// for logging and metrics (e.g. "reverse", "trajectory"). onAccept is
// invoked synchronously from the accept goroutine for each adopted
// connection; it must return promptly (e.g. spawn its own read loop).
func Listen(addr, name string, logger *slog.Logger, reg *metrics.Registry, onAccept func(conn net.Conn)) (*Endpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", name)

	lc := netutil.ListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	e := &Endpoint{
		name:     name,
		logger:   logger,
		metrics:  reg,
		listener: ln,
		onAccept: onAccept,
		closed:   make(chan struct{}),
	}
	e.wg.Add(1)
	go e.acceptLoop()
	return e, nil
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
				e.logger.Warn("accept failed, retrying", "err", err)
				continue
			}
		}
		if err := netutil.TuneServerConn(conn); err != nil {
			e.logger.Warn("failed to tune accepted connection", "err", err)
		}
		e.adopt(conn)
	}
}

func (e *Endpoint) adopt(conn net.Conn) {
	e.mu.Lock()
	prior := e.conn
	e.conn = conn
	e.mu.Unlock()

	if prior != nil {
		e.logger.Info("superseding prior client", "remote", prior.RemoteAddr())
		prior.Close()
	}
	e.metrics.ClientAdopted(e.name)
	e.logger.Info("client connected", "remote", conn.RemoteAddr())
	e.onAccept(conn)
}

// Release drops conn as the current client if it still is one. It is safe
// to call with a connection that has already been superseded; in that case
// it is a no-op aside from closing conn again.
func (e *Endpoint) Release(conn net.Conn) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
		e.logger.Info("client released", "remote", conn.RemoteAddr())
	}
	e.mu.Unlock()
	conn.Close()
}

// Connected reports whether a client is currently adopted.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// ListenerAddr returns the bound listener address, useful when addr was
// passed as "host:0" and the OS chose the port.
func (e *Endpoint) ListenerAddr() string {
	return e.listener.Addr().String()
}

// Conn returns the current client connection, or nil if none is adopted.
func (e *Endpoint) Conn() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Close stops the accept loop and closes the listener and any live client.
func (e *Endpoint) Close() error {
	close(e.closed)
	err := e.listener.Close()
	e.mu.Lock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.mu.Unlock()
	e.wg.Wait()
	return err
}

// WatchLiveness runs a background read loop over conn, discarding any real
// bytes (the robot-side script never sends data on the reverse / script
// command sockets) and calling onDisconnect on the first error or
// zero-length read (spec.md §4.1). Callers should run it in its own
// goroutine and return once onDisconnect has fired.
func WatchLiveness(conn net.Conn, onDisconnect func()) {
	buf := make([]byte, 4)
	for {
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			onDisconnect()
			return
		}
	}
}

// ReadInt32Frame reads exactly count big-endian int32s from conn.
func ReadInt32Frame(conn net.Conn, count int) ([]int32, error) {
	buf := make([]byte, 4*count)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	out := make([]int32, count)
	for i := range out {
		out[i] = int32(binary.BigEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

// WriteInt32Frame writes values as big-endian int32s. The write is atomic
// from the caller's perspective: either all bytes reach the socket buffer
// or an error is returned (spec.md invariant 2).
func WriteInt32Frame(conn net.Conn, values []int32) error {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(buf[i*4:], uint32(v))
	}
	_, err := conn.Write(buf)
	return err
}
