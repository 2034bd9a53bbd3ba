// Package station simulates a single power-generation station. A
// [Simulator] connects to a message channel, publishes metadata, status
// and output telemetry from three independently timed [Emitter] loops,
// and accepts start/stop commands on its control topic.
//
// Lifecycle guarantees:
//   - No telemetry is published before the channel is connected.
//   - Shutdown returns only after every emitter goroutine has exited,
//     and disconnects the channel after that, so nothing is published
//     once Shutdown returns.
//   - Shutdown is safe to call before Startup and more than once.
//
// Control writes and emitter reads of the running flag are not ordered
// with respect to each other: a tick may see the value from just before
// or just after a concurrent command.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/powerstation-simulator/internal/channel"
	"github.com/nugget/powerstation-simulator/internal/events"
)

var (
	// ErrAlreadyStarted is returned by a second call to Startup.
	ErrAlreadyStarted = errors.New("station already started")
	// ErrShutdown is returned by Startup after Shutdown was called.
	ErrShutdown = errors.New("station has been shut down")

	errPublishFailed = errors.New("publish failed")
)

// Config describes one simulated station.
type Config struct {
	StationID   string
	Location    string
	CapacityKW  int
	TopicPrefix string

	// BaseInterval is the output interval.
	BaseInterval time.Duration
	// StatusInterval and MetadataInterval default to 2x and 5x
	// BaseInterval when zero.
	StatusInterval   time.Duration
	MetadataInterval time.Duration

	// QoS applies to every publish and the control subscription.
	QoS byte

	// PublishTimeout bounds each publish call. Zero means a publish may
	// block for as long as the transport does.
	PublishTimeout time.Duration
}

// Simulator is the station lifecycle orchestrator. It owns the station
// [State], the three emitters and the control subscription.
type Simulator struct {
	cfg     Config
	state   *State
	topics  Topics
	ch      channel.Channel
	control *ControlIngress
	bus     *events.Bus
	logger  *slog.Logger
	rand    func() float64

	mu        sync.Mutex
	started   bool
	stopped   bool
	runID     string
	startedAt time.Time
	cancel    context.CancelFunc
	emitters  *errgroup.Group // nil until Startup launches the emitters
}

// New creates a Simulator but does not connect. Call [Simulator.Startup]
// to bring the station online. bus may be nil.
func New(cfg Config, ch channel.Channel, bus *events.Bus, logger *slog.Logger) (*Simulator, error) {
	if ch == nil {
		return nil, fmt.Errorf("station: channel must not be nil")
	}
	if cfg.BaseInterval <= 0 {
		return nil, fmt.Errorf("station: base interval must be positive, got %v", cfg.BaseInterval)
	}
	if cfg.StatusInterval < 0 || cfg.MetadataInterval < 0 {
		return nil, fmt.Errorf("station: emitter intervals must not be negative")
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = 2 * cfg.BaseInterval
	}
	if cfg.MetadataInterval == 0 {
		cfg.MetadataInterval = 5 * cfg.BaseInterval
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("station: invalid qos %d", cfg.QoS)
	}
	state, err := NewState(cfg.StationID, cfg.Location, cfg.CapacityKW)
	if err != nil {
		return nil, fmt.Errorf("station: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "station", "station_id", cfg.StationID)

	s := &Simulator{
		cfg:    cfg,
		state:  state,
		topics: NewTopics(cfg.TopicPrefix, cfg.StationID),
		ch:     ch,
		bus:    bus,
		logger: logger,
		rand:   rand.Float64,
	}
	s.control = NewControlIngress(s, bus, logger)
	return s, nil
}

// SetRandSource replaces the uniform [0, 1) source used by
// [State.SimulateOutput]. It must be called before Startup.
func (s *Simulator) SetRandSource(f func() float64) {
	s.rand = f
}

// State returns the station's shared runtime record.
func (s *Simulator) State() *State { return s.state }

// Topics returns the station's topic set.
func (s *Simulator) Topics() Topics { return s.topics }

// RunID returns the identifier assigned by the last successful
// Startup, or "" if the station never started.
func (s *Simulator) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Startup connects the channel, marks the station online, subscribes
// the control handler and starts the metadata, status and output
// emitters. A connection or subscription failure is returned and
// leaves the station offline; nothing is retried.
//
// Emitters keep running after ctx is cancelled; only Shutdown stops
// them.
func (s *Simulator) Startup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrShutdown
	}
	if s.started {
		return ErrAlreadyStarted
	}

	s.logger.Info("station startup sequence initiated")

	if err := s.ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.state.setOnline(true)

	if err := s.ch.Subscribe(ctx, s.topics.Control, s.cfg.QoS, s.control); err != nil {
		s.state.setOnline(false)
		if derr := s.ch.Disconnect(ctx); derr != nil {
			s.logger.Warn("disconnect after failed subscribe", "error", derr)
		}
		return fmt.Errorf("subscribe %s: %w", s.topics.Control, err)
	}

	runID := newRunID()
	emitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := new(errgroup.Group)
	for _, e := range s.newEmitters() {
		g.Go(func() error {
			e.Run(emitCtx)
			return nil
		})
	}

	s.started = true
	s.runID = runID
	s.startedAt = time.Now()
	s.cancel = cancel
	s.emitters = g

	s.bus.Publish(events.Event{
		Source: events.SourceStation,
		Kind:   events.KindStartup,
		Data:   map[string]any{"run_id": runID, "station_id": s.cfg.StationID},
	})
	s.logger.Info("station startup sequence completed",
		"run_id", runID,
		"control_topic", s.topics.Control,
		"base_interval", s.cfg.BaseInterval,
	)
	return nil
}

// Shutdown takes the station offline, waits for every emitter started
// by Startup to exit and then disconnects the channel. It returns nil
// without doing anything if the station never started or was already
// shut down. ctx bounds the disconnect only: the emitter wait always
// runs to completion. Publishes already in flight are not cancelled;
// they finish or hit PublishTimeout before the channel disconnects.
func (s *Simulator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.logger.Debug("station shutdown requested again, ignoring")
		return nil
	}
	s.stopped = true

	if !s.started {
		s.logger.Info("station shutdown requested before startup, nothing to stop")
		return nil
	}

	s.logger.Info("station shutdown sequence initiated", "run_id", s.runID)
	s.logger.Info("please do not repeatedly press Ctrl+C, waiting for emitters to stop")

	s.state.setOnline(false)
	if s.cancel != nil {
		s.cancel()
	}
	if s.emitters != nil {
		_ = s.emitters.Wait()
	}

	if err := s.ch.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}

	elapsed := time.Since(s.startedAt)
	s.bus.Publish(events.Event{
		Source: events.SourceStation,
		Kind:   events.KindShutdown,
		Data: map[string]any{
			"run_id":     s.runID,
			"station_id": s.cfg.StationID,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
	s.logger.Info("station shutdown sequence completed",
		"run_id", s.runID,
		"uptime", elapsed.Truncate(time.Second).String(),
	)
	return nil
}

// Control sets the running flag. It implements [Controller] and is
// normally driven by the control topic. Starting is refused while the
// station is offline. Repeated commands are applied and logged even if
// they do not change the state.
func (s *Simulator) Control(start bool) {
	verb, done := "stopping", "stopped"
	if start {
		verb, done = "starting", "started"
	}

	s.logger.Info("station " + verb)
	if !s.state.SetRunning(start) {
		s.logger.Warn("station is offline, ignoring start command")
		return
	}
	s.logger.Info("station " + done)

	cmd := CommandStop
	if start {
		cmd = CommandStart
	}
	s.bus.Publish(events.Event{
		Source: events.SourceControl,
		Kind:   events.KindControl,
		Data:   map[string]any{"command": cmd.String(), "running": start},
	})
}

// SimulateOutput returns a random reading within the station's output
// band. See [State.SimulateOutput].
func (s *Simulator) SimulateOutput() int {
	return s.state.SimulateOutput(s.rand())
}

// newEmitters builds the three telemetry loops. Every loop shares the
// online flag as its liveness check.
func (s *Simulator) newEmitters() []*Emitter {
	return []*Emitter{
		{
			Name:     "metadata",
			Interval: s.cfg.MetadataInterval,
			Action:   s.publishMetadata,
			IsAlive:  s.state.Online,
			Logger:   s.logger,
		},
		{
			Name:     "status",
			Interval: s.cfg.StatusInterval,
			Action:   s.publishStatus,
			IsAlive:  s.state.Online,
			Logger:   s.logger,
		},
		{
			Name:     "output",
			Interval: s.cfg.BaseInterval,
			Action:   s.publishOutput,
			IsAlive:  s.state.Online,
			Logger:   s.logger,
		},
	}
}

func (s *Simulator) publishMetadata(ctx context.Context) error {
	return s.publish(ctx, "metadata", s.topics.Metadata, s.state.Metadata())
}

func (s *Simulator) publishStatus(ctx context.Context) error {
	return s.publish(ctx, "status", s.topics.Status, s.state.Status())
}

func (s *Simulator) publishOutput(ctx context.Context) error {
	output := 0
	if s.state.Running() {
		output = s.SimulateOutput()
	}
	return s.publish(ctx, "output", s.topics.Output, output)
}

// publish sends one telemetry payload. A rejected publish is reported
// on the event bus and returned so the emitter logs it.
func (s *Simulator) publish(ctx context.Context, emitter, topic string, payload any) error {
	if s.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PublishTimeout)
		defer cancel()
	}

	if s.ch.Publish(ctx, topic, payload, s.cfg.QoS) {
		return nil
	}

	s.bus.Publish(events.Event{
		Source: events.SourceEmitter,
		Kind:   events.KindPublishFailed,
		Data:   map[string]any{"emitter": emitter, "topic": topic},
	})
	return fmt.Errorf("%w: %s", errPublishFailed, topic)
}

// newRunID returns a time-ordered identifier for one online period.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
