// Package scriptcmd implements the script-command channel (spec.md §4.5,
// C5): fixed 26×int32 frames for non-servo side-band commands.
package scriptcmd

import (
	"log/slog"
	"net"
	"sync"

	"github.com/robotlink/elited/internal/metrics"
	"github.com/robotlink/elited/internal/scaling"
	"github.com/robotlink/elited/pkg/frame"
)

// FrameSize is the fixed length, in int32 slots, of a script-command frame.
const FrameSize = 26

// Command is the tag carried in slot 0 of every frame.
type Command int32

const (
	CmdZeroFTSensor Command = iota
	CmdSetPayload
	CmdSetToolVoltage
	CmdStartForceMode
	CmdEndForceMode
)

// ToolVoltage is the tool-output-voltage selector for SetToolVoltage.
type ToolVoltage int32

const (
	ToolVoltage0  ToolVoltage = 0
	ToolVoltage12 ToolVoltage = 12
	ToolVoltage24 ToolVoltage = 24
)

// ForceMode selects the force-control reference behavior for StartForceMode.
type ForceMode int32

const (
	ForceModeNoTransform ForceMode = iota
	ForceModeRotateAroundTCP
	ForceModeFixed
)

// Channel serves the script-command socket and serializes outbound frames.
type Channel struct {
	logger   *slog.Logger
	metrics  *metrics.Registry
	endpoint *frame.Endpoint
	sendMu   sync.Mutex
}

// Listen binds addr and starts accepting the robot's script-command
// connection.
func Listen(addr string, logger *slog.Logger, reg *metrics.Registry) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{logger: logger.With("service", "[ScriptCommandChannel]"), metrics: reg}
	ep, err := frame.Listen(addr, "script_command", logger, reg, c.handleConn)
	if err != nil {
		return nil, err
	}
	c.endpoint = ep
	return c, nil
}

func (c *Channel) handleConn(conn net.Conn) {
	go frame.WatchLiveness(conn, func() { c.endpoint.Release(conn) })
}

// Connected reports whether the robot currently holds the script-command
// socket.
func (c *Channel) Connected() bool { return c.endpoint.Connected() }

// Close stops serving the script-command channel.
func (c *Channel) Close() error { return c.endpoint.Close() }

func (c *Channel) send(out [FrameSize]int32) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	conn := c.endpoint.Conn()
	if conn == nil {
		c.metrics.FrameWrite("script_command", frame.ErrNotConnected)
		return false
	}
	err := frame.WriteInt32Frame(conn, out[:])
	c.metrics.FrameWrite("script_command", err)
	if err != nil {
		c.logger.Warn("script-command frame write failed", "err", err)
		c.endpoint.Release(conn)
		return false
	}
	return true
}

// ZeroFTSensor tares the force/torque sensor.
func (c *Channel) ZeroFTSensor() bool {
	var out [FrameSize]int32
	out[0] = int32(CmdZeroFTSensor)
	return c.send(out)
}

// SetPayload updates the mass and center-of-gravity of the mounted payload.
func (c *Channel) SetPayload(massKg float64, cog [3]float64) bool {
	var out [FrameSize]int32
	out[0] = int32(CmdSetPayload)
	out[1] = scaling.ToInt32(massKg, scaling.Common)
	out[2] = scaling.ToInt32(cog[0], scaling.Common)
	out[3] = scaling.ToInt32(cog[1], scaling.Common)
	out[4] = scaling.ToInt32(cog[2], scaling.Common)
	return c.send(out)
}

// SetToolVoltage updates the tool output voltage.
func (c *Channel) SetToolVoltage(voltage ToolVoltage) bool {
	var out [FrameSize]int32
	out[0] = int32(CmdSetToolVoltage)
	out[1] = scaling.ToInt32(float64(voltage), scaling.Common)
	return c.send(out)
}

// StartForceMode enables force-control mode with the given task frame,
// compliant-axis selection, target wrench, mode and per-axis speed limits.
func (c *Channel) StartForceMode(taskFrame [6]float64, selection [6]bool, wrench [6]float64, mode ForceMode, limits [6]float64) bool {
	var out [FrameSize]int32
	out[0] = int32(CmdStartForceMode)

	frameScaled := scaling.Vector6(taskFrame, scaling.Common)
	copy(out[1:7], frameScaled[:])

	for i, sel := range selection {
		if sel {
			out[7+i] = 1
		}
	}

	wrenchScaled := scaling.Vector6(wrench, scaling.Common)
	copy(out[13:19], wrenchScaled[:])

	out[19] = int32(mode)

	limitsScaled := scaling.Vector6(limits, scaling.Common)
	copy(out[20:26], limitsScaled[:])

	return c.send(out)
}

// EndForceMode disables force-control mode.
func (c *Channel) EndForceMode() bool {
	var out [FrameSize]int32
	out[0] = int32(CmdEndForceMode)
	return c.send(out)
}
