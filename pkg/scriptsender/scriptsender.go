// Package scriptsender implements the one-shot script delivery channel
// (spec.md §4.2, C2): on request, the prepared robot script is written back
// verbatim.
package scriptsender

import (
	"bufio"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/robotlink/elited/internal/metrics"
	"github.com/robotlink/elited/pkg/frame"
)

const requestToken = "request_program"

// Sender serves the materialized robot script to any client that sends the
// literal request token on a line by itself.
type Sender struct {
	logger   *slog.Logger
	endpoint *frame.Endpoint

	mu     sync.RWMutex
	script []byte
}

// Serve binds addr and starts accepting script requests.
func Serve(addr, script string, logger *slog.Logger, reg *metrics.Registry) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{logger: logger.With("service", "[ScriptSender]"), script: []byte(script)}
	ep, err := frame.Listen(addr, "script_sender", logger, reg, s.handleConn)
	if err != nil {
		return nil, err
	}
	s.endpoint = ep
	return s, nil
}

// SetScript updates the script served to future (and already-open)
// requesters.
func (s *Sender) SetScript(script string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = []byte(script)
}

func (s *Sender) handleConn(conn net.Conn) {
	go s.readLoop(conn)
}

// readLoop reads newline-terminated requests until the client disconnects.
// Non-matching lines are silently ignored and the connection stays open for
// further requests, matching spec.md §4.2.
func (s *Sender) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			s.endpoint.Release(conn)
			return
		}
		if strings.TrimRight(line, "\r\n") != requestToken {
			continue
		}
		s.mu.RLock()
		script := s.script
		s.mu.RUnlock()
		if _, err := conn.Write(script); err != nil {
			s.logger.Warn("failed to write script", "err", err)
			s.endpoint.Release(conn)
			return
		}
	}
}

// Connected reports whether a client is currently attached.
func (s *Sender) Connected() bool { return s.endpoint.Connected() }

// Close stops serving and closes any open connection.
func (s *Sender) Close() error { return s.endpoint.Close() }
