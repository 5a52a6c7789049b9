// Package rtsi implements the Real-Time Synchronization Interface client
// (spec.md §4.7, C7): a length-framed binary pub/sub protocol for named
// robot variables, with version negotiation, recipe subscription, and a
// start/pause session state machine.
package rtsi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/robotlink/elited/internal/metrics"
	"github.com/robotlink/elited/internal/netutil"
)

// MessageType is the wire type byte carried by every RTSI frame. Values
// match the ASCII codes used by the on-wire protocol (e.g. 'V' for a
// protocol-version request).
type MessageType byte

const (
	MsgRequestProtocolVersion     MessageType = 86 // 'V'
	MsgGetControllerVersion       MessageType = 118 // 'v'
	MsgControlPackageSetupOutputs MessageType = 79  // 'O'
	MsgControlPackageSetupInputs  MessageType = 73  // 'I'
	MsgControlPackageStart        MessageType = 83  // 'S'
	MsgControlPackagePause        MessageType = 80  // 'P'
	MsgDataPackage                MessageType = 85  // 'U'
)

const headerSize = 3 // u16 total length + u8 type

// State is the RTSI session state machine (spec.md §4.7).
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrSocketConnectFail       = errors.New("rtsi: connect failed")
	ErrSocketFail              = errors.New("rtsi: socket I/O error")
	ErrRtsiUnknownVariableType = errors.New("rtsi: setup reply listed an unknown or in-use variable")
	ErrRtsiRecipeParseFail     = errors.New("rtsi: recipe id or type mismatch on decode")
	ErrIllegalParam            = errors.New("rtsi: illegal parameter")
	ErrWrongState              = errors.New("rtsi: operation not permitted in current session state")
)

// ControllerVersion is the decoded reply to GET_CONTROLLER_VERSION.
type ControllerVersion struct {
	Major, Minor, Bugfix, Build uint32
}

// Client is the low-level RTSI protocol client: framing, version
// negotiation, recipe setup and session control. The higher-level recipe
// read/write overlay lives in IOInterface.
type Client struct {
	logger  *slog.Logger
	metrics *metrics.Registry

	defaultTimeout time.Duration

	connMu sync.Mutex
	conn   net.Conn

	sendMu sync.Mutex

	readMu  sync.Mutex
	readBuf []byte

	stateMu sync.Mutex
	state   State
}

// NewClient creates a disconnected RTSI client with a default 500ms receive
// deadline per frame.
func NewClient(logger *slog.Logger, reg *metrics.Registry) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:         logger.With("service", "[RTSIClient]"),
		metrics:        reg,
		defaultTimeout: 500 * time.Millisecond,
		state:          StateDisconnected,
	}
}

// SetTimeout overrides the per-frame receive deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.defaultTimeout = d
}

// State returns the current session state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Connect dials ip:port and moves the session to CONNECTED.
func (c *Client) Connect(ip string, port int) error {
	addr := fmt.Sprintf("%s:%d", ip, port)
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSocketConnectFail, err)
	}
	if err := netutil.TuneClientConn(conn); err != nil {
		c.logger.Warn("failed to tune rtsi connection", "err", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.readMu.Lock()
	c.readBuf = nil
	c.readMu.Unlock()

	c.setState(StateConnected)
	c.logger.Info("connected", "addr", addr)
	return nil
}

// Disconnect closes the socket and moves the session to DISCONNECTED.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.setState(StateDisconnected)
}

func (c *Client) currentConn() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// sendFrame serializes and writes one message, atomically from the
// caller's point of view.
func (c *Client) sendFrame(typ MessageType, payload []byte) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrSocketFail)
	}
	total := headerSize + len(payload)
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], uint16(total))
	buf[2] = byte(typ)
	copy(buf[headerSize:], payload)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrSocketFail, err)
	}
	return nil
}

// readMore blocks for up to one read syscall's worth of data, honoring
// deadline, and appends to the rolling receive buffer.
func (c *Client) readMore(deadline time.Time) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrSocketFail)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrSocketFail, err)
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		c.Disconnect()
		return fmt.Errorf("%w: %v", ErrSocketFail, err)
	}
	c.readMu.Lock()
	c.readBuf = append(c.readBuf, buf[:n]...)
	c.readMu.Unlock()
	return nil
}

// receiveFrame implements the rolling-buffer receive algorithm (spec.md
// §4.7): frames of any type are pulled off the front of the buffer and
// discarded until one of targetType arrives. When readNewest is set,
// consecutive same-type frames already fully buffered are drained, keeping
// only the newest, and the discard count is logged.
func (c *Client) receiveFrame(targetType MessageType, timeout time.Duration, readNewest bool) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	for {
		if err := c.ensureBuffered(headerSize, deadline); err != nil {
			return nil, err
		}

		c.readMu.Lock()
		totalLen := int(binary.BigEndian.Uint16(c.readBuf[0:2]))
		typ := MessageType(c.readBuf[2])
		c.readMu.Unlock()

		if totalLen < headerSize {
			c.Disconnect()
			return nil, fmt.Errorf("%w: frame length %d shorter than header", ErrSocketFail, totalLen)
		}

		if err := c.ensureBuffered(totalLen, deadline); err != nil {
			return nil, err
		}

		c.readMu.Lock()
		frame := append([]byte(nil), c.readBuf[:totalLen]...)
		c.readBuf = c.readBuf[totalLen:]
		c.readMu.Unlock()

		if typ != targetType {
			continue
		}

		if readNewest {
			frame = c.drainNewest(targetType, frame, deadline)
		}
		return frame[headerSize:], nil
	}
}

// drainNewest consumes any additional already-buffered frames of typ,
// keeping only the last one observed.
func (c *Client) drainNewest(typ MessageType, latest []byte, deadline time.Time) []byte {
	discarded := 0
	for {
		c.readMu.Lock()
		if len(c.readBuf) < headerSize {
			c.readMu.Unlock()
			break
		}
		nextLen := int(binary.BigEndian.Uint16(c.readBuf[0:2]))
		nextTyp := MessageType(c.readBuf[2])
		if nextTyp != typ || len(c.readBuf) < nextLen {
			c.readMu.Unlock()
			break
		}
		latest = append([]byte(nil), c.readBuf[:nextLen]...)
		c.readBuf = c.readBuf[nextLen:]
		c.readMu.Unlock()
		discarded++
	}
	if discarded > 0 {
		c.logger.Debug("discarded stale frames draining to newest", "type", typ, "count", discarded)
	}
	return latest
}

func (c *Client) ensureBuffered(n int, deadline time.Time) error {
	for {
		c.readMu.Lock()
		have := len(c.readBuf)
		c.readMu.Unlock()
		if have >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: timed out waiting for %d bytes", ErrSocketFail, n)
		}
		if err := c.readMore(deadline); err != nil {
			return err
		}
	}
}

// NegotiateProtocolVersion requests the given protocol version and reports
// whether the controller accepted it.
func (c *Client) NegotiateProtocolVersion(version uint16) (bool, error) {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, version)
	if err := c.sendFrame(MsgRequestProtocolVersion, payload); err != nil {
		return false, err
	}
	reply, err := c.receiveFrame(MsgRequestProtocolVersion, c.timeout(), false)
	if err != nil {
		return false, err
	}
	if len(reply) < 1 {
		return false, fmt.Errorf("%w: short protocol version reply", ErrSocketFail)
	}
	return reply[0] != 0, nil
}

// GetControllerVersion queries the controller firmware version.
func (c *Client) GetControllerVersion() (ControllerVersion, error) {
	if err := c.sendFrame(MsgGetControllerVersion, nil); err != nil {
		return ControllerVersion{}, err
	}
	reply, err := c.receiveFrame(MsgGetControllerVersion, c.timeout(), false)
	if err != nil {
		return ControllerVersion{}, err
	}
	if len(reply) < 16 {
		return ControllerVersion{}, fmt.Errorf("%w: short controller version reply", ErrSocketFail)
	}
	return ControllerVersion{
		Major:  binary.BigEndian.Uint32(reply[0:4]),
		Minor:  binary.BigEndian.Uint32(reply[4:8]),
		Bugfix: binary.BigEndian.Uint32(reply[8:12]),
		Build:  binary.BigEndian.Uint32(reply[12:16]),
	}, nil
}

// SetupOutputs subscribes an output recipe at the given frequency. Recipes
// may only be set up in CONNECTED state (spec.md invariant 3).
func (c *Client) SetupOutputs(frequency float64, variables []string) (*Recipe, error) {
	if c.State() != StateConnected {
		return nil, ErrWrongState
	}
	payload := make([]byte, 8+len(strings.Join(variables, ",")))
	binary.BigEndian.PutUint64(payload[:8], doubleBits(frequency))
	copy(payload[8:], strings.Join(variables, ","))

	if err := c.sendFrame(MsgControlPackageSetupOutputs, payload); err != nil {
		return nil, err
	}
	reply, err := c.receiveFrame(MsgControlPackageSetupOutputs, c.timeout(), false)
	if err != nil {
		return nil, err
	}
	return parseSetupReply(reply, variables)
}

// SetupInputs subscribes an input recipe. Recipes may only be set up in
// CONNECTED state (spec.md invariant 3).
func (c *Client) SetupInputs(variables []string) (*Recipe, error) {
	if c.State() != StateConnected {
		return nil, ErrWrongState
	}
	payload := []byte(strings.Join(variables, ","))
	if err := c.sendFrame(MsgControlPackageSetupInputs, payload); err != nil {
		return nil, err
	}
	reply, err := c.receiveFrame(MsgControlPackageSetupInputs, c.timeout(), false)
	if err != nil {
		return nil, err
	}
	return parseSetupReply(reply, variables)
}

func parseSetupReply(reply []byte, variables []string) (*Recipe, error) {
	if len(reply) < 1 {
		return nil, fmt.Errorf("%w: empty setup reply", ErrSocketFail)
	}
	id := reply[0]
	typeTokens := strings.Split(string(reply[1:]), ",")
	if len(typeTokens) != len(variables) {
		return nil, fmt.Errorf("%w: expected %d types, got %d", ErrRtsiRecipeParseFail, len(variables), len(typeTokens))
	}
	types := make([]ElementType, len(typeTokens))
	for i, token := range typeTokens {
		if token == "NOT_FOUND" || token == "IN_USE" {
			return nil, fmt.Errorf("%w: variable %q is %s", ErrRtsiUnknownVariableType, variables[i], token)
		}
		types[i] = ElementType(token)
	}
	return newRecipe(id, variables, types), nil
}

// Start requests CONTROL_PACKAGE_START. On acceptance the session moves to
// STARTED (spec.md invariant: "start() succeeds iff the reply's accept byte
// is non-zero, and the session moves to STARTED iff it does").
func (c *Client) Start() (bool, error) {
	if err := c.sendFrame(MsgControlPackageStart, nil); err != nil {
		return false, err
	}
	reply, err := c.receiveFrame(MsgControlPackageStart, c.timeout(), false)
	if err != nil {
		return false, err
	}
	accepted := len(reply) > 0 && reply[0] != 0
	if accepted {
		c.setState(StateStarted)
	}
	return accepted, nil
}

// Pause requests CONTROL_PACKAGE_PAUSE, moving STARTED to STOPPED on
// acceptance.
func (c *Client) Pause() (bool, error) {
	if err := c.sendFrame(MsgControlPackagePause, nil); err != nil {
		return false, err
	}
	reply, err := c.receiveFrame(MsgControlPackagePause, c.timeout(), false)
	if err != nil {
		return false, err
	}
	accepted := len(reply) > 0 && reply[0] != 0
	if accepted {
		c.setState(StateStopped)
	}
	return accepted, nil
}

// SendData writes one DATA_PACKAGE frame for recipe.
func (c *Client) SendData(recipe *Recipe) error {
	if c.State() != StateStarted {
		return ErrWrongState
	}
	payload, err := recipe.encode()
	if err != nil {
		return err
	}
	return c.sendFrame(MsgDataPackage, payload)
}

// ReceiveData reads one DATA_PACKAGE frame and decodes it into recipe.
// readNewest controls whether older already-buffered data frames are
// drained per spec.md's "newest-only" option.
func (c *Client) ReceiveData(recipe *Recipe, timeout time.Duration, readNewest bool) error {
	if c.State() != StateStarted {
		return ErrWrongState
	}
	payload, err := c.receiveFrame(MsgDataPackage, timeout, readNewest)
	if err != nil {
		return err
	}
	return recipe.decode(payload)
}

func (c *Client) timeout() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.defaultTimeout
}

func doubleBits(f float64) uint64 {
	return math.Float64bits(f)
}
