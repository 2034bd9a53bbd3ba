package station

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitter_StopsWhenNotAlive(t *testing.T) {
	t.Parallel()

	var alive atomic.Bool
	alive.Store(true)
	var ticks atomic.Int32

	e := &Emitter{
		Name:     "test",
		Interval: time.Millisecond,
		Action: func(context.Context) error {
			if ticks.Add(1) == 3 {
				alive.Store(false)
			}
			return nil
		},
		IsAlive: alive.Load,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emitter did not stop after IsAlive turned false")
	}
	if got := ticks.Load(); got != 3 {
		t.Errorf("ticks = %d, want 3", got)
	}
}

func TestEmitter_NeverTicksWhenNotAlive(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32
	e := &Emitter{
		Name:     "test",
		Interval: time.Millisecond,
		Action:   func(context.Context) error { ticks.Add(1); return nil },
		IsAlive:  func() bool { return false },
	}
	e.Run(context.Background())

	if got := ticks.Load(); got != 0 {
		t.Errorf("ticks = %d, want 0", got)
	}
}

func TestEmitter_ContinuesAfterActionError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	e := &Emitter{
		Name:     "failing",
		Interval: time.Millisecond,
		Action: func(context.Context) error {
			if ticks.Add(1) >= 5 {
				cancel()
			}
			return errors.New("broker said no")
		},
		IsAlive: func() bool { return true },
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emitter did not stop")
	}
	if got := ticks.Load(); got < 5 {
		t.Errorf("ticks = %d, want at least 5 despite errors", got)
	}
}

func TestEmitter_CancelInterruptsWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	var ticks atomic.Int32
	e := &Emitter{
		Name:     "slow",
		Interval: time.Hour,
		Action:   func(context.Context) error { ticks.Add(1); return nil },
		IsAlive:  func() bool { return true },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	// Let the first tick happen, then cancel during the hour-long wait.
	deadline := time.Now().Add(time.Second)
	for ticks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancellation did not interrupt the wait between ticks")
	}
	if got := ticks.Load(); got != 1 {
		t.Errorf("ticks = %d, want 1", got)
	}
}

func TestEmitter_CancelDoesNotReachActionInFlight(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	var actionErr atomic.Value
	var ticks atomic.Int32
	e := &Emitter{
		Name:     "publishing",
		Interval: time.Hour,
		Action: func(actx context.Context) error {
			ticks.Add(1)
			close(started)
			<-release
			actionErr.Store(fmt.Sprint(actx.Err()))
			return nil
		},
		IsAlive: func() bool { return true },
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before the action in flight completed")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emitter did not stop after the action completed")
	}
	if got := actionErr.Load(); got != "<nil>" {
		t.Errorf("action ctx.Err() = %v, want nil", got)
	}
	if got := ticks.Load(); got != 1 {
		t.Errorf("ticks = %d, want 1", got)
	}
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()

	if !sleepCtx(context.Background(), time.Millisecond) {
		t.Error("sleepCtx returned false without cancellation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Hour) {
		t.Error("sleepCtx returned true on a cancelled context")
	}
}
