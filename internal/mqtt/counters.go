package mqtt

import (
	"sync"
	"time"
)

// DailyCounters tracks publish outcomes for the current local day and
// resets at midnight. It is safe for concurrent use.
type DailyCounters struct {
	mu        sync.Mutex
	published int64
	failed    int64
	resetDay  int // day-of-year of last reset
	loc       *time.Location
	now       func() time.Time
}

// NewDailyCounters creates counters using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyCounters(loc *time.Location) *DailyCounters {
	if loc == nil {
		loc = time.Local
	}
	return &DailyCounters{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
		now:      time.Now,
	}
}

// OnPublish records the outcome of one publish attempt.
func (d *DailyCounters) OnPublish(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	if ok {
		d.published++
	} else {
		d.failed++
	}
}

// Snapshot returns today's successful and failed publish counts.
func (d *DailyCounters) Snapshot() (published, failed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.published, d.failed
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyCounters) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.published = 0
		d.failed = 0
		d.resetDay = today
	}
}
