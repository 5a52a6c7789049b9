// Package driver implements the driver facade (spec.md §4.8, C8): the
// top-level object that materializes the robot script from its template,
// constructs the reverse/trajectory/script-command/script-sender channels,
// the primary-port client, and the RTSI IO interface, and exposes the
// public control surface. Grounded on pkg/network.Network: a single
// constructed object composing sub-clients behind one public API.
package driver

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/robotlink/elited/internal/config"
	"github.com/robotlink/elited/internal/metrics"
	"github.com/robotlink/elited/pkg/primary"
	"github.com/robotlink/elited/pkg/reverse"
	"github.com/robotlink/elited/pkg/rtsi"
	"github.com/robotlink/elited/pkg/scriptcmd"
	"github.com/robotlink/elited/pkg/scriptsender"
	"github.com/robotlink/elited/pkg/trajectory"
)

const (
	primaryPort     = 30001
	defaultRTSIPort = 30004
)

var (
	ErrNoTemplate        = errors.New("driver: no script template configured")
	ErrRTSINotConfigured = errors.New("driver: rtsi not configured")
)

// Config mirrors the construction parameters of spec.md §4.8: robot IP,
// local IP, script-template path, headless flag, four port numbers, three
// servoj tuning parameters and one stop acceleration.
type Config struct {
	RobotIP        string
	LocalIP        string
	ScriptTemplate string
	Headless       bool

	ReversePort       int
	TrajectoryPort    int
	ScriptCommandPort int
	ScriptSenderPort  int

	ServoJTime      float64
	ServoJLookahead float64
	ServoJGain      float64

	StopAcceleration float64

	// RTSI (C7). RTSIPort defaults to 30004 (the RTSI convention) when zero.
	// RTSI subscription is skipped entirely when both recipe lists are empty.
	RTSIPort         int
	RTSIFrequency    float64
	RTSIOutputRecipe []string
	RTSIInputRecipe  []string
}

func (c Config) placeholders() config.Placeholders {
	return config.Placeholders{
		ServerIP:              c.LocalIP,
		ReversePort:           c.ReversePort,
		TrajectoryServerPort:  c.TrajectoryPort,
		ScriptCommandPort:     c.ScriptCommandPort,
		ServoJTime:            c.ServoJTime,
		ServoJLookaheadTime:   c.ServoJLookahead,
		ServoJGain:            c.ServoJGain,
		PositionZoomRatio:     100000,
		TimeZoomRatio:         1000,
		CommonZoomRatio:       1000000,
		ReverseDataSize:       reverse.FrameSize,
		TrajectoryDataSize:    trajectory.FrameSize,
		ScriptCommandDataSize: scriptcmd.FrameSize,
	}
}

// Driver is the public control surface for one robot connection: C3
// (reverse), C4 (trajectory), C5 (script-command), C6 (primary), C7
// (RTSI), and either C2 (script sender, teach-pendant mode) or a headless
// script push over C6.
type Driver struct {
	logger  *slog.Logger
	metrics *metrics.Registry
	cfg     Config

	script string

	reverseCh    *reverse.Channel
	trajectoryCh *trajectory.Channel
	scriptCmdCh  *scriptcmd.Channel
	sender       *scriptsender.Sender
	primaryCl    *primary.Client
	rtsiIO       *rtsi.IOInterface
}

// New loads and materializes the script template, starts C3/C4/C5, connects
// C6, subscribes and starts C7 when a recipe is configured, and either
// starts C2 or pushes the script headlessly over C6 (spec.md §4.8
// construction steps 1-5).
func New(cfg Config, logger *slog.Logger, reg *metrics.Registry) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[Driver]")

	if cfg.ScriptTemplate == "" {
		return nil, ErrNoTemplate
	}
	template, err := config.LoadTemplate(cfg.ScriptTemplate)
	if err != nil {
		return nil, err
	}
	script, err := config.Materialize(template, cfg.placeholders())
	if err != nil {
		return nil, err
	}

	d := &Driver{logger: logger, metrics: reg, cfg: cfg, script: script}

	d.reverseCh, err = reverse.Listen(fmt.Sprintf(":%d", cfg.ReversePort), logger, reg)
	if err != nil {
		return nil, fmt.Errorf("reverse channel: %w", err)
	}
	d.trajectoryCh, err = trajectory.Listen(fmt.Sprintf(":%d", cfg.TrajectoryPort), logger, reg)
	if err != nil {
		return nil, fmt.Errorf("trajectory channel: %w", err)
	}
	d.scriptCmdCh, err = scriptcmd.Listen(fmt.Sprintf(":%d", cfg.ScriptCommandPort), logger, reg)
	if err != nil {
		return nil, fmt.Errorf("script-command channel: %w", err)
	}

	d.primaryCl = primary.NewClient(logger, reg)
	if !d.primaryCl.Connect(cfg.RobotIP, primaryPort) {
		d.logger.Warn("primary port connect failed at construction, continuing", "ip", cfg.RobotIP)
	}

	if len(cfg.RTSIOutputRecipe) > 0 || len(cfg.RTSIInputRecipe) > 0 {
		rtsiPort := cfg.RTSIPort
		if rtsiPort == 0 {
			rtsiPort = defaultRTSIPort
		}
		io, err := rtsi.NewIOInterface(cfg.RobotIP, rtsiPort, cfg.RTSIFrequency, cfg.RTSIOutputRecipe, cfg.RTSIInputRecipe, logger, reg)
		if err != nil {
			d.logger.Warn("rtsi connect failed at construction, continuing", "ip", cfg.RobotIP, "err", err)
		} else if err := io.Start(); err != nil {
			d.logger.Warn("rtsi start failed at construction, continuing", "ip", cfg.RobotIP, "err", err)
			io.Disconnect()
		} else {
			d.rtsiIO = io
		}
	}

	if cfg.Headless {
		if err := d.SendExternalControlScript(); err != nil {
			d.logger.Warn("headless script push failed", "err", err)
		}
	} else {
		d.sender, err = scriptsender.Serve(fmt.Sprintf(":%d", cfg.ScriptSenderPort), d.script, logger, reg)
		if err != nil {
			return nil, fmt.Errorf("script sender: %w", err)
		}
	}

	return d, nil
}

// SendScript pushes raw text over the primary port's send_script operation.
func (d *Driver) SendScript(text string) bool {
	return d.primaryCl.SendScript(text)
}

// SendExternalControlScript wraps the materialized script as a single named
// definition and sends it over C6, the way headless mode starts external
// control without a teach-pendant "play" press (original_source
// EliteDriver.cpp sendExternalControlScript).
func (d *Driver) SendExternalControlScript() error {
	wrapped := fmt.Sprintf("def elited_external_ctrl():\n%s\nend\n", indent(d.script))
	if !d.SendScript(wrapped) {
		return fmt.Errorf("%w: primary port unavailable", primary.ErrSocketFail)
	}
	return nil
}

func indent(body string) string {
	out := "  "
	for _, r := range body {
		out += string(r)
		if r == '\n' {
			out += "  "
		}
	}
	return out
}

// GetPrimaryPackage blocks for a sub-type T package and invokes parse on
// arrival, mirroring pkg/primary.Client.GetPackage.
func (d *Driver) GetPrimaryPackage(subType byte, parse primary.Parser, timeoutMs int) bool {
	return d.primaryCl.GetPackage(subType, parse, timeoutMs)
}

// PrimaryReconnect tears down and redials the primary port connection.
func (d *Driver) PrimaryReconnect() bool {
	d.primaryCl.Disconnect()
	return d.primaryCl.Connect(d.cfg.RobotIP, primaryPort)
}

// IsRobotConnected reports C3.connected ∧ C4.connected (spec.md §4.8).
func (d *Driver) IsRobotConnected() bool {
	return d.reverseCh.Connected() && d.trajectoryCh.Connected()
}

// WriteJointCommand forwards to the reverse channel.
func (d *Driver) WriteJointCommand(values *[6]float64, mode reverse.Mode, readTimeoutMs int32) bool {
	return d.reverseCh.WriteJointCommand(values, mode, readTimeoutMs)
}

// WriteTrajectoryControl forwards to the reverse channel.
func (d *Driver) WriteTrajectoryControl(action reverse.TrajectoryAction, pointCount int32, readTimeoutMs int32) bool {
	return d.reverseCh.WriteTrajectoryControl(action, pointCount, readTimeoutMs)
}

// StopControl forwards to the reverse channel.
func (d *Driver) StopControl() bool {
	return d.reverseCh.StopControl()
}

// WriteWaypoint forwards to the trajectory channel.
func (d *Driver) WriteWaypoint(wp trajectory.Waypoint) bool {
	return d.trajectoryCh.WriteWaypoint(wp)
}

// SetMotionResultCallback forwards to the trajectory channel.
func (d *Driver) SetMotionResultCallback(cb func(trajectory.Result)) {
	d.trajectoryCh.SetMotionResultCallback(cb)
}

// ZeroFTSensor forwards to the script-command channel.
func (d *Driver) ZeroFTSensor() bool { return d.scriptCmdCh.ZeroFTSensor() }

// SetPayload forwards to the script-command channel.
func (d *Driver) SetPayload(massKg float64, cog [3]float64) bool {
	return d.scriptCmdCh.SetPayload(massKg, cog)
}

// SetToolVoltage forwards to the script-command channel.
func (d *Driver) SetToolVoltage(v scriptcmd.ToolVoltage) bool {
	return d.scriptCmdCh.SetToolVoltage(v)
}

// StartForceMode forwards to the script-command channel.
func (d *Driver) StartForceMode(taskFrame [6]float64, selection [6]bool, wrench [6]float64, mode scriptcmd.ForceMode, limits [6]float64) bool {
	return d.scriptCmdCh.StartForceMode(taskFrame, selection, wrench, mode, limits)
}

// EndForceMode forwards to the script-command channel.
func (d *Driver) EndForceMode() bool { return d.scriptCmdCh.EndForceMode() }

// GetRTSIOutput reads the most recently polled value of an RTSI output
// recipe field. It reports false if RTSI was not configured.
func (d *Driver) GetRTSIOutput(name string) (any, bool) {
	if d.rtsiIO == nil {
		return nil, false
	}
	return d.rtsiIO.GetOutput(name)
}

// SetRTSIInput stages a value for an RTSI input recipe field, flushed on
// the next poll tick once dirty.
func (d *Driver) SetRTSIInput(name string, value any) error {
	if d.rtsiIO == nil {
		return ErrRTSINotConfigured
	}
	return d.rtsiIO.SetInput(name, value)
}

// RTSIConnected reports whether the RTSI interface was constructed and
// started during New. It does not observe a later disconnect of the RTSI
// session.
func (d *Driver) RTSIConnected() bool {
	return d.rtsiIO != nil
}

// Close tears down every channel, the primary connection, and RTSI.
func (d *Driver) Close() error {
	d.primaryCl.Disconnect()
	if d.sender != nil {
		d.sender.Close()
	}
	var rtsiErr error
	if d.rtsiIO != nil {
		rtsiErr = d.rtsiIO.Stop()
		d.rtsiIO.Disconnect()
	}
	errs := []error{
		d.reverseCh.Close(),
		d.trajectoryCh.Close(),
		d.scriptCmdCh.Close(),
		rtsiErr,
	}
	return errors.Join(errs...)
}
