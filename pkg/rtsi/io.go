package rtsi

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robotlink/elited/internal/metrics"
)

// ProtocolVersion is the RTSI protocol version this client negotiates.
const ProtocolVersion = 2

// IOInterface is the recipe-driven overlay on top of Client (spec.md
// §4.7): it owns one output recipe, polled at a configured frequency on a
// background goroutine, and one input recipe, flushed whenever dirty.
type IOInterface struct {
	logger  *slog.Logger
	metrics *metrics.Registry

	client *Client

	output *Recipe
	input  *Recipe

	period time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	runMu   sync.Mutex
	running bool
}

// NewIOInterface connects to ip:port, negotiates the protocol version, and
// subscribes the given output and input variable lists. The session is left
// in CONNECTED state; call Start to begin streaming.
func NewIOInterface(ip string, port int, frequency float64, outputs, inputs []string, logger *slog.Logger, reg *metrics.Registry) (*IOInterface, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := NewClient(logger, reg)
	if err := client.Connect(ip, port); err != nil {
		return nil, err
	}

	accepted, err := client.NegotiateProtocolVersion(ProtocolVersion)
	if err != nil {
		client.Disconnect()
		return nil, err
	}
	if !accepted {
		client.Disconnect()
		return nil, fmt.Errorf("rtsi: controller rejected protocol version %d", ProtocolVersion)
	}

	var output, input *Recipe
	if len(outputs) > 0 {
		output, err = client.SetupOutputs(frequency, outputs)
		if err != nil {
			client.Disconnect()
			return nil, err
		}
	}
	if len(inputs) > 0 {
		input, err = client.SetupInputs(inputs)
		if err != nil {
			client.Disconnect()
			return nil, err
		}
	}

	periodSeconds := 1.0
	if frequency > 0 {
		periodSeconds = 1.0 / frequency
	}

	return &IOInterface{
		logger:  logger.With("service", "[RTSIInterface]"),
		metrics: reg,
		client:  client,
		output:  output,
		input:   input,
		period:  time.Duration(periodSeconds * float64(time.Second)),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start requests CONTROL_PACKAGE_START and, on acceptance, launches the
// background poll loop.
func (io *IOInterface) Start() error {
	ok, err := io.client.Start()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rtsi: controller rejected control package start")
	}

	io.runMu.Lock()
	io.running = true
	io.runMu.Unlock()

	io.wg.Add(1)
	go io.pollLoop()
	return nil
}

// Stop requests CONTROL_PACKAGE_PAUSE and joins the poll loop.
func (io *IOInterface) Stop() error {
	io.runMu.Lock()
	wasRunning := io.running
	io.running = false
	io.runMu.Unlock()
	if !wasRunning {
		return nil
	}

	close(io.stopCh)
	io.wg.Wait()

	_, err := io.client.Pause()
	return err
}

// Disconnect tears down the underlying client connection.
func (io *IOInterface) Disconnect() {
	io.client.Disconnect()
}

// GetOutput reads the most recently polled value of an output recipe
// field.
func (io *IOInterface) GetOutput(name string) (any, bool) {
	if io.output == nil {
		return nil, false
	}
	return io.output.Get(name)
}

// SetInput stages a value for an input recipe field; it is flushed on the
// next poll tick once dirty.
func (io *IOInterface) SetInput(name string, value any) error {
	if io.input == nil {
		return fmt.Errorf("%w: no input recipe configured", ErrIllegalParam)
	}
	return io.input.Set(name, value)
}

func (io *IOInterface) pollLoop() {
	defer io.wg.Done()
	ticker := time.NewTicker(io.period)
	defer ticker.Stop()

	for {
		select {
		case <-io.stopCh:
			return
		case <-ticker.C:
			if io.output != nil {
				if err := io.client.ReceiveData(io.output, io.client.timeout(), false); err != nil {
					io.logger.Warn("output recipe poll failed", "err", err)
					continue
				}
			}
			if io.input != nil && io.input.ConsumeDirty() {
				if err := io.client.SendData(io.input); err != nil {
					io.logger.Warn("input recipe flush failed", "err", err)
				}
			}
		}
	}
}
