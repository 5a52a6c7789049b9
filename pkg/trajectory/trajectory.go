// Package trajectory implements the trajectory channel (spec.md §4.4, C4):
// fixed 21×int32 waypoint frames out, a single int32 motion-result frame in.
package trajectory

import (
	"log/slog"
	"net"
	"sync"

	"github.com/robotlink/elited/internal/metrics"
	"github.com/robotlink/elited/internal/scaling"
	"github.com/robotlink/elited/pkg/frame"
)

// FrameSize is the fixed length, in int32 slots, of an outbound waypoint
// frame.
const FrameSize = 21

// MotionType selects joint, Cartesian or spline interpolation for a
// waypoint.
type MotionType int32

const (
	MotionJoint MotionType = iota
	MotionCartesian
	MotionSpline
)

// Result is the decoded value of the single inbound int32 result frame.
type Result int32

const (
	ResultSuccess Result = iota
	ResultCanceled
	ResultFailure
)

// Waypoint is one point of a forwarded trajectory.
type Waypoint struct {
	Positions   [6]float64
	Time        float64
	BlendRadius float64
	MotionType  MotionType
}

// Channel serves the trajectory socket: it writes waypoints and invokes a
// registered callback when the robot reports the motion result.
type Channel struct {
	logger   *slog.Logger
	metrics  *metrics.Registry
	endpoint *frame.Endpoint
	sendMu   sync.Mutex

	mu       sync.Mutex
	onResult func(Result)
}

// Listen binds addr and starts accepting the robot's trajectory connection.
func Listen(addr string, logger *slog.Logger, reg *metrics.Registry) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{logger: logger.With("service", "[TrajectoryChannel]"), metrics: reg}
	ep, err := frame.Listen(addr, "trajectory", logger, reg, c.handleConn)
	if err != nil {
		return nil, err
	}
	c.endpoint = ep
	return c, nil
}

// SetMotionResultCallback registers the callback invoked on the channel's
// own receive goroutine when a result frame arrives. Per spec.md §5 it must
// not perform blocking work.
func (c *Channel) SetMotionResultCallback(cb func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = cb
}

func (c *Channel) handleConn(conn net.Conn) {
	go c.receiveLoop(conn)
}

func (c *Channel) receiveLoop(conn net.Conn) {
	for {
		values, err := frame.ReadInt32Frame(conn, 1)
		if err != nil {
			c.logger.Info("trajectory client disconnected", "err", err)
			c.endpoint.Release(conn)
			return
		}
		result := Result(values[0])
		c.mu.Lock()
		cb := c.onResult
		c.mu.Unlock()
		if cb != nil {
			cb(result)
		}
	}
}

// Connected reports whether the robot currently holds the trajectory socket.
func (c *Channel) Connected() bool { return c.endpoint.Connected() }

// Close stops serving the trajectory channel.
func (c *Channel) Close() error { return c.endpoint.Close() }

// WriteWaypoint sends a single trajectory point.
func (c *Channel) WriteWaypoint(wp Waypoint) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	conn := c.endpoint.Conn()
	if conn == nil {
		c.metrics.FrameWrite("trajectory", frame.ErrNotConnected)
		return false
	}

	var out [FrameSize]int32
	scaled := scaling.Vector6(wp.Positions, scaling.Position)
	copy(out[0:6], scaled[:])
	// slots 6..17 (12 int32s) are reserved and always zero.
	out[18] = scaling.ToInt32(wp.Time, scaling.Time)
	out[19] = scaling.ToInt32(wp.BlendRadius, scaling.Position)
	out[20] = int32(wp.MotionType)

	err := frame.WriteInt32Frame(conn, out[:])
	c.metrics.FrameWrite("trajectory", err)
	if err != nil {
		c.logger.Warn("trajectory frame write failed", "err", err)
		c.endpoint.Release(conn)
		return false
	}
	return true
}
