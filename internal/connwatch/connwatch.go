// Package connwatch watches the broker session of a running station and
// reports when it drops or comes back.
//
// It is purely observational. With a direct connection a drop is
// permanent and the watcher records it once; with auto_reconnect the
// connection manager redials and the watcher records the recovery.
// Transitions are logged and published on the event bus so the journal
// keeps an outage history.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/powerstation-simulator/internal/events"
)

// ProbeFunc checks whether the broker session is up. Return nil if
// healthy.
type ProbeFunc func(ctx context.Context) error

// Config configures a [Watcher].
type Config struct {
	// Name identifies the watched connection in logs and events
	// (e.g., the broker URL).
	Name string

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval between probes (default: 5s).
	Interval time.Duration

	// ProbeTimeout limits each probe call (default: 2s).
	ProbeTimeout time.Duration

	// OnDown and OnReady are called on transitions, in a separate
	// goroutine. Optional.
	OnDown  func(err error)
	OnReady func()

	// Bus receives broker_down and broker_up events. May be nil.
	Bus *events.Bus

	// Logger uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is the health of the watched connection.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Outages   int       `json:"outages"`
}

// Watcher polls a single connection.
type Watcher struct {
	cfg    Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	outages   int
}

// Watch starts a watcher. The connection is assumed to be up when
// Watch is called, since the station only watches a session it has
// already opened. The watcher runs until ctx is cancelled or Stop is
// called.
//
// Panics if Probe is nil.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Name == "" {
		cfg.Name = "broker"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "connwatch")

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.ready.Store(true)

	go w.run(watchCtx)
	return w
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Outages:   w.outages,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe and handles any state transition.
func (w *Watcher) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()

	// A probe cut short by shutdown says nothing about the broker.
	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	logger := w.cfg.Logger
	wasReady := w.ready.Load()

	switch {
	case wasReady && err != nil:
		w.ready.Store(false)
		w.mu.Lock()
		w.outages++
		w.mu.Unlock()

		logger.Warn("broker became unreachable", "broker", w.cfg.Name, "error", err)
		w.cfg.Bus.Publish(events.Event{
			Source: events.SourceBroker,
			Kind:   events.KindBrokerDown,
			Data:   map[string]any{"broker": w.cfg.Name, "error": err.Error()},
		})
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}

	case !wasReady && err == nil:
		w.ready.Store(true)
		logger.Info("broker recovered", "broker", w.cfg.Name)
		w.cfg.Bus.Publish(events.Event{
			Source: events.SourceBroker,
			Kind:   events.KindBrokerUp,
			Data:   map[string]any{"broker": w.cfg.Name},
		})
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}

	case !wasReady && err != nil:
		logger.Debug("broker still unreachable", "broker", w.cfg.Name, "error", err)
	}
}
