// Package reverse implements the reverse channel (spec.md §4.3, C3): the
// primary servo-command socket, one fixed 8×int32 frame per control cycle.
package reverse

import (
	"log/slog"
	"net"
	"sync"

	"github.com/robotlink/elited/internal/metrics"
	"github.com/robotlink/elited/internal/scaling"
	"github.com/robotlink/elited/pkg/frame"
)

// FrameSize is the fixed length, in int32 slots, of a reverse frame.
const FrameSize = 8

// Mode is the control-mode tag carried in the last slot of every frame.
type Mode int32

const (
	ModeStopped Mode = iota
	ModeIdle
	ModeServoJ
	ModeSpeedJ
	ModeSpeedL
	ModeTrajectory
	ModeForward
)

// TrajectoryAction is the action tag carried in slot 1 when Mode is
// ModeTrajectory.
type TrajectoryAction int32

const (
	ActionNoop TrajectoryAction = iota
	ActionStart
	ActionCancel
)

// Channel serves the reverse socket and serializes outbound frames.
type Channel struct {
	logger   *slog.Logger
	metrics  *metrics.Registry
	endpoint *frame.Endpoint
	sendMu   sync.Mutex
}

// Listen binds addr and starts accepting the robot's reverse connection.
func Listen(addr string, logger *slog.Logger, reg *metrics.Registry) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{logger: logger.With("service", "[ReverseChannel]"), metrics: reg}
	ep, err := frame.Listen(addr, "reverse", logger, reg, c.handleConn)
	if err != nil {
		return nil, err
	}
	c.endpoint = ep
	return c, nil
}

func (c *Channel) handleConn(conn net.Conn) {
	go frame.WatchLiveness(conn, func() { c.endpoint.Release(conn) })
}

// Connected reports whether the robot currently holds the reverse socket.
func (c *Channel) Connected() bool { return c.endpoint.Connected() }

// Close stops serving the reverse channel.
func (c *Channel) Close() error { return c.endpoint.Close() }

func (c *Channel) send(values [FrameSize]int32) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	conn := c.endpoint.Conn()
	if conn == nil {
		c.metrics.FrameWrite("reverse", frame.ErrNotConnected)
		return false
	}
	err := frame.WriteInt32Frame(conn, values[:])
	c.metrics.FrameWrite("reverse", err)
	if err != nil {
		c.logger.Warn("reverse frame write failed", "err", err)
		c.endpoint.Release(conn)
		return false
	}
	return true
}

// WriteJointCommand sends a servoj/speedj/speedl setpoint. A nil values
// pointer with ModeIdle produces a zero payload (spec.md §4.3).
func (c *Channel) WriteJointCommand(values *[6]float64, mode Mode, readTimeoutMs int32) bool {
	var out [FrameSize]int32
	out[0] = readTimeoutMs
	if values != nil {
		scaled := scaling.Vector6(*values, scaling.Position)
		copy(out[1:7], scaled[:])
	}
	out[FrameSize-1] = int32(mode)
	return c.send(out)
}

// WriteTrajectoryControl sends a trajectory start/cancel/noop action and the
// expected point count (spec.md §4.3).
func (c *Channel) WriteTrajectoryControl(action TrajectoryAction, pointCount int32, readTimeoutMs int32) bool {
	var out [FrameSize]int32
	out[0] = readTimeoutMs
	out[1] = int32(action)
	out[2] = pointCount
	out[FrameSize-1] = int32(ModeTrajectory)
	return c.send(out)
}

// StopControl sends an idle-payload frame tagged ModeStopped, ending the
// external control script.
func (c *Channel) StopControl() bool {
	var out [FrameSize]int32
	out[FrameSize-1] = int32(ModeStopped)
	return c.send(out)
}
