package station

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/powerstation-simulator/internal/events"
)

// ErrUnknownCommand is returned by [ParseCommand] for control payloads
// other than "0" and "1".
var ErrUnknownCommand = errors.New("unknown control command (expected '0' or '1')")

// Command is a decoded control request.
type Command int

const (
	// CommandStop requests running = false.
	CommandStop Command = iota
	// CommandStart requests running = true.
	CommandStart
)

func (c Command) String() string {
	if c == CommandStart {
		return "start"
	}
	return "stop"
}

// ParseCommand decodes a control payload. Surrounding whitespace is
// ignored; "1" starts and "0" stops the station.
func ParseCommand(payload []byte) (Command, error) {
	switch strings.TrimSpace(string(payload)) {
	case "1":
		return CommandStart, nil
	case "0":
		return CommandStop, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, payload)
	}
}

// Controller applies running-state transitions. [*Simulator] is the
// production implementation.
type Controller interface {
	Control(start bool)
}

// ControlIngress is the [channel.Handler] subscribed to the control
// topic. Unknown payloads are logged and dropped without touching
// station state.
type ControlIngress struct {
	ctl    Controller
	bus    *events.Bus
	logger *slog.Logger
}

// NewControlIngress creates a control handler that forwards decoded
// commands to ctl. bus may be nil.
func NewControlIngress(ctl Controller, bus *events.Bus, logger *slog.Logger) *ControlIngress {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlIngress{ctl: ctl, bus: bus, logger: logger}
}

// HandleMessage implements [channel.Handler].
func (c *ControlIngress) HandleMessage(topic string, payload []byte) {
	c.logger.Info("control message received", "topic", topic, "payload", string(payload))

	cmd, err := ParseCommand(payload)
	if err != nil {
		c.logger.Warn("ignoring control message", "topic", topic, "error", err)
		c.bus.Publish(events.Event{
			Source: events.SourceControl,
			Kind:   events.KindUnknownCommand,
			Data:   map[string]any{"payload": string(payload)},
		})
		return
	}

	c.ctl.Control(cmd == CommandStart)
}
