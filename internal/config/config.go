// Package config loads the driver's on-disk inputs: the script template,
// recipe files, and an optional ini-formatted settings file.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

var (
	ErrFileOpenFail  = errors.New("file open failed")
	ErrEmptyRecipe   = errors.New("recipe file is empty")
	ErrMissingToken  = errors.New("script template missing required placeholder")
	ErrResidualToken = errors.New("script template substitution left a placeholder unresolved")
)

// Placeholders matches the tokens documented in spec.md §6.1.
type Placeholders struct {
	ServerIP               string
	ReversePort            int
	TrajectoryServerPort   int
	ScriptCommandPort      int
	ServoJTime             float64
	ServoJLookaheadTime    float64
	ServoJGain             float64
	PositionZoomRatio      int
	TimeZoomRatio          int
	CommonZoomRatio        int
	ReverseDataSize        int
	TrajectoryDataSize     int
	ScriptCommandDataSize  int
}

// tokens returns the literal-token -> replacement map used by Materialize.
func (p Placeholders) tokens() map[string]string {
	servoj := fmt.Sprintf("t = %v, lookahead_time = %v, gain=%v", p.ServoJTime, p.ServoJLookaheadTime, p.ServoJGain)
	return map[string]string{
		"{{SERVER_IP_REPLACE}}":                 p.ServerIP,
		"{{REVERSE_PORT_REPLACE}}":              strconv.Itoa(p.ReversePort),
		"{{TRAJECTORY_SERVER_PORT_REPLACE}}":    strconv.Itoa(p.TrajectoryServerPort),
		"{{SCRIPT_COMMAND_PORT_REPLACE}}":       strconv.Itoa(p.ScriptCommandPort),
		"{{SERVO_J_REPLACE}}":                   servoj,
		"{{POS_ZOOM_RATIO_REPLACE}}":            strconv.Itoa(p.PositionZoomRatio),
		"{{TIME_ZOOM_RATIO_REPLACE}}":           strconv.Itoa(p.TimeZoomRatio),
		"{{COMMON_ZOOM_RATIO_REPLACE}}":         strconv.Itoa(p.CommonZoomRatio),
		"{{REVERSE_DATA_SIZE_REPLACE}}":         strconv.Itoa(p.ReverseDataSize),
		"{{TRAJECTORY_DATA_SIZE_REPLACE}}":      strconv.Itoa(p.TrajectoryDataSize),
		"{{SCRIPT_COMMAND_DATA_SIZE_REPLACE}}":  strconv.Itoa(p.ScriptCommandDataSize),
	}
}

// LoadTemplate reads a script template from disk. A missing file fails
// construction per spec.md §4.8 step 1.
func LoadTemplate(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileOpenFail, err)
	}
	return string(raw), nil
}

// Materialize substitutes every occurrence of every placeholder token and
// verifies no "{{" substring survives (spec.md invariant 5).
func Materialize(template string, p Placeholders) (string, error) {
	out := template
	for token, replacement := range p.tokens() {
		out = strings.ReplaceAll(out, token, replacement)
	}
	if strings.Contains(out, "{{") {
		return "", ErrResidualToken
	}
	return out, nil
}

// LoadRecipe reads one variable name per line. Blank lines are preserved
// as part of the ordered recipe (spec.md §6.3); a missing or empty file
// fails construction.
func LoadRecipe(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOpenFail, err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		names = append(names, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOpenFail, err)
	}
	if len(names) == 0 {
		return nil, ErrEmptyRecipe
	}
	return names, nil
}

// Settings mirrors the driver's construction parameters, loadable from an
// optional ini file so the facade need not always be wired up from Go
// literals (grounded on how pkg/od parses EDS ini-format files).
type Settings struct {
	RobotIP           string
	LocalIP           string
	ScriptTemplate    string
	Headless          bool
	ReversePort       int
	TrajectoryPort    int
	ScriptCommandPort int
	ScriptSenderPort  int
	PrimaryPort       int
	RTSIPort          int
	ServoJTime        float64
	ServoJLookahead   float64
	ServoJGain        float64
	StopAcceleration  float64
}

// LoadSettings loads driver settings from an ini file. Missing keys keep
// whatever value Settings already carries, so a caller may pre-seed
// defaults before calling this.
func LoadSettings(path string, into *Settings) error {
	cfg, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOpenFail, err)
	}
	section := cfg.Section("driver")
	section.MapTo(into)
	return nil
}
