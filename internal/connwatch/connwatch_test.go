package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/powerstation-simulator/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitUntil polls cond for up to a second.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWatch_Defaults(t *testing.T) {
	t.Parallel()
	w := Watch(context.Background(), Config{
		Probe:  func(context.Context) error { return nil },
		Logger: quietLogger(),
	})
	defer w.Stop()

	if w.cfg.Name != "broker" {
		t.Errorf("Name = %q, want broker", w.cfg.Name)
	}
	if w.cfg.Interval != 5*time.Second {
		t.Errorf("Interval = %v, want 5s", w.cfg.Interval)
	}
	if w.cfg.ProbeTimeout != 2*time.Second {
		t.Errorf("ProbeTimeout = %v, want 2s", w.cfg.ProbeTimeout)
	}
	if !w.IsReady() {
		t.Error("watcher should start ready")
	}
}

func TestWatch_NilProbePanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("Watch() with nil Probe did not panic")
		}
	}()
	Watch(context.Background(), Config{})
}

func TestWatcher_HealthyStaysQuiet(t *testing.T) {
	t.Parallel()
	bus := events.New()
	ch := bus.Subscribe(10)
	defer bus.Unsubscribe(ch)

	var probes atomic.Int32
	w := Watch(context.Background(), Config{
		Probe:    func(context.Context) error { probes.Add(1); return nil },
		Interval: time.Millisecond,
		Bus:      bus,
		Logger:   quietLogger(),
	})
	waitUntil(t, "probes", func() bool { return probes.Load() >= 5 })
	w.Stop()

	select {
	case e := <-ch:
		t.Errorf("unexpected event %s/%s", e.Source, e.Kind)
	default:
	}
	if s := w.Status(); !s.Ready || s.Outages != 0 || s.LastCheck.IsZero() {
		t.Errorf("Status() = %+v", s)
	}
}

func TestWatcher_DownThenUp(t *testing.T) {
	t.Parallel()
	bus := events.New()
	ch := bus.Subscribe(10)
	defer bus.Unsubscribe(ch)

	errDown := errors.New("connection lost")
	var healthy atomic.Bool
	healthy.Store(true)

	var downCalled, readyCalled atomic.Int32
	w := Watch(context.Background(), Config{
		Name: "mqtt://127.0.0.1:1883",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errDown
		},
		Interval: time.Millisecond,
		OnDown:   func(error) { downCalled.Add(1) },
		OnReady:  func() { readyCalled.Add(1) },
		Bus:      bus,
		Logger:   quietLogger(),
	})
	defer w.Stop()

	healthy.Store(false)
	waitUntil(t, "down transition", func() bool { return !w.IsReady() })

	e := <-ch
	if e.Source != events.SourceBroker || e.Kind != events.KindBrokerDown {
		t.Errorf("event = %s/%s, want broker/broker_down", e.Source, e.Kind)
	}
	if e.Data["error"] != "connection lost" {
		t.Errorf("event data = %v", e.Data)
	}
	if !errors.Is(w.LastError(), errDown) {
		t.Errorf("LastError() = %v", w.LastError())
	}

	healthy.Store(true)
	waitUntil(t, "recovery", func() bool { return w.IsReady() })

	e = <-ch
	if e.Kind != events.KindBrokerUp {
		t.Errorf("event kind = %s, want broker_up", e.Kind)
	}

	waitUntil(t, "callbacks", func() bool { return downCalled.Load() == 1 && readyCalled.Load() == 1 })
	if s := w.Status(); s.Outages != 1 || s.LastError != "" {
		t.Errorf("Status() = %+v", s)
	}
}

func TestWatcher_SustainedOutageReportsOnce(t *testing.T) {
	t.Parallel()
	bus := events.New()
	ch := bus.Subscribe(10)
	defer bus.Unsubscribe(ch)

	var probes atomic.Int32
	w := Watch(context.Background(), Config{
		Probe: func(context.Context) error {
			probes.Add(1)
			return errors.New("down")
		},
		Interval: time.Millisecond,
		Bus:      bus,
		Logger:   quietLogger(),
	})
	waitUntil(t, "probes", func() bool { return probes.Load() >= 10 })
	w.Stop()

	if n := len(ch); n != 1 {
		t.Errorf("published %d events for one outage, want 1", n)
	}
	if w.Status().Outages != 1 {
		t.Errorf("Outages = %d, want 1", w.Status().Outages)
	}
}

func TestWatcher_StopsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	w := Watch(ctx, Config{
		Probe:    func(context.Context) error { return nil },
		Interval: time.Hour,
		Logger:   quietLogger(),
	})
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after context cancel")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	w := Watch(context.Background(), Config{
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Interval:     time.Millisecond,
		ProbeTimeout: 5 * time.Millisecond,
		Logger:       quietLogger(),
	})
	defer w.Stop()

	waitUntil(t, "timeout to mark down", func() bool { return !w.IsReady() })
	if !errors.Is(w.LastError(), context.DeadlineExceeded) {
		t.Errorf("LastError() = %v, want deadline exceeded", w.LastError())
	}
}
