// Package primary implements the primary port client (spec.md §4.6, C6): a
// persistent outbound connection to the robot's telemetry port that
// demultiplexes length-prefixed "robot state" sub-packages into registered
// waiters.
package primary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/robotlink/elited/internal/metrics"
	"github.com/robotlink/elited/internal/netutil"
)

const (
	// RobotStateType is the primary-frame type carrying robot-state
	// sub-packages.
	RobotStateType byte = 16
	headerSize          = 5
	subHeaderSize       = 5

	connectBudget = 500 * time.Millisecond
)

var (
	ErrSocketConnectFail = errors.New("primary: connect failed")
	ErrSocketFail        = errors.New("primary: socket I/O error")
)

// Parser decodes a sub-package body into a caller-owned destination.
type Parser func(body []byte) error

type waiter struct {
	id    string
	parse Parser
	done  bool
	err   error
}

// Client is the primary-port telemetry client.
type Client struct {
	logger  *slog.Logger
	metrics *metrics.Registry

	sendMu sync.Mutex
	connMu sync.Mutex
	conn   net.Conn

	stopCh chan struct{}
	wg     sync.WaitGroup

	regMu   sync.Mutex
	regCond *sync.Cond
	waiters map[byte]*waiter
}

// NewClient creates a disconnected primary-port client.
func NewClient(logger *slog.Logger, reg *metrics.Registry) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		logger:  logger.With("service", "[PrimaryClient]"),
		metrics: reg,
		waiters: make(map[byte]*waiter),
	}
	c.regCond = sync.NewCond(&c.regMu)
	return c
}

// Connect synchronously dials ip:port within a 500ms budget and starts the
// background receive loop.
func (c *Client) Connect(ip string, port int) bool {
	addr := fmt.Sprintf("%s:%d", ip, port)
	conn, err := net.DialTimeout("tcp", addr, connectBudget)
	if err != nil {
		c.logger.Warn("connect failed", "addr", addr, "err", err)
		return false
	}
	if err := netutil.TuneClientConn(conn); err != nil {
		c.logger.Warn("failed to tune primary connection", "err", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.receiveLoop(conn)
	c.logger.Info("connected", "addr", addr)
	return true
}

// Disconnect closes the socket and joins the receive loop.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn == nil {
		return
	}
	close(c.stopCh)
	conn.Close()
	c.wg.Wait()
}

// Connected reports whether the primary connection is currently live.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// SendScript writes text followed by a newline under the socket mutex.
func (c *Client) SendScript(text string) bool {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := conn.Write([]byte(text + "\n"))
	if err != nil {
		c.logger.Warn("send_script failed", "err", err)
		return false
	}
	return true
}

// GetPackage registers a waiter for subType, then blocks on its condition
// for at most timeoutMs. It returns true iff parse was invoked before the
// deadline and returned a nil error (spec.md §4.6, invariant 4).
func (c *Client) GetPackage(subType byte, parse Parser, timeoutMs int) bool {
	w := &waiter{id: xid.New().String(), parse: parse}

	c.regMu.Lock()
	c.waiters[subType] = w
	c.regMu.Unlock()

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	timer := time.AfterFunc(time.Until(deadline), func() {
		c.regMu.Lock()
		c.regCond.Broadcast()
		c.regMu.Unlock()
	})
	defer timer.Stop()

	c.regMu.Lock()
	for !w.done && time.Now().Before(deadline) {
		c.regCond.Wait()
	}
	satisfied := w.done
	if current, ok := c.waiters[subType]; ok && current == w {
		delete(c.waiters, subType)
	}
	c.regMu.Unlock()

	if !satisfied {
		c.metrics.WaiterTimeout(fmt.Sprintf("%d", subType))
		c.logger.Warn("waiter timed out", "waiter_id", w.id, "subtype", subType)
		return false
	}
	if w.err != nil {
		c.logger.Warn("waiter parse failed", "waiter_id", w.id, "subtype", subType, "err", w.err)
		return false
	}
	return true
}

func (c *Client) receiveLoop(conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		header := make([]byte, headerSize)
		if _, err := io.ReadFull(conn, header); err != nil {
			c.logger.Info("primary receive loop exiting", "err", err)
			return
		}
		length := binary.BigEndian.Uint32(header[0:4])
		typ := header[4]
		if length <= headerSize {
			c.logger.Warn("malformed primary frame, dropping connection", "length", length)
			return
		}

		body := make([]byte, int(length)-headerSize)
		if _, err := io.ReadFull(conn, body); err != nil {
			c.logger.Info("primary receive loop exiting", "err", err)
			return
		}

		if typ != RobotStateType {
			continue
		}
		c.dispatchSubPackages(body)
	}
}

func (c *Client) dispatchSubPackages(body []byte) {
	cursor := 0
	for cursor+subHeaderSize <= len(body) {
		subLen := int(binary.BigEndian.Uint32(body[cursor : cursor+4]))
		subType := body[cursor+4]
		if subLen < subHeaderSize || cursor+subLen > len(body) {
			c.logger.Warn("malformed sub-package, stopping walk", "subtype", subType, "sublen", subLen)
			return
		}
		payload := body[cursor+subHeaderSize : cursor+subLen]
		c.metrics.SubPackage(fmt.Sprintf("%d", subType))
		c.deliver(subType, payload)
		cursor += subLen
	}
}

func (c *Client) deliver(subType byte, payload []byte) {
	c.regMu.Lock()
	w, ok := c.waiters[subType]
	if ok {
		w.err = w.parse(payload)
		w.done = true
		delete(c.waiters, subType)
	}
	c.regMu.Unlock()
	if ok {
		c.logger.Debug("delivered sub-package to waiter", "waiter_id", w.id, "subtype", subType, "err", w.err)
		c.regCond.Broadcast()
	}
}
