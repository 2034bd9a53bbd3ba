package station

import (
	"context"
	"log/slog"
	"time"
)

// Emitter is a repeating background task: while IsAlive reports true it
// runs Action and then waits Interval. Each emitter free-runs from its
// own start time; emitters are not phase-aligned with each other.
type Emitter struct {
	// Name identifies the emitter in logs ("metadata", "status", "output").
	Name string
	// Interval is the wait between the end of one action and the start
	// of the next.
	Interval time.Duration
	// Action performs one tick. A returned error is logged and the loop
	// carries on.
	Action func(ctx context.Context) error
	// IsAlive is polled once per iteration, before the action.
	IsAlive func() bool
	// Logger receives tick failures. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Run loops until IsAlive reports false or ctx is cancelled. The wait
// between ticks is cut short by cancellation, so a stopped emitter
// exits within one tick. Cancellation never reaches an action already
// in flight: it runs on a context detached from ctx and Run returns
// once it completes. Bound slow actions with their own timeout.
func (e *Emitter) Run(ctx context.Context) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("emitter", e.Name)

	logger.Debug("emitter started", "interval", e.Interval)
	defer logger.Debug("emitter stopped")

	actionCtx := context.WithoutCancel(ctx)
	for e.IsAlive() && ctx.Err() == nil {
		if err := e.Action(actionCtx); err != nil {
			logger.Warn("emitter tick failed", "error", err)
		}
		if !sleepCtx(ctx, e.Interval) {
			return
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
