package guard

import (
	"sync"
	"time"

	"github.com/minicart/storefront/internal/pkg/clock"
)

// Debouncer collapses a burst of triggers into a single execution of fn,
// delay after the burst's last trigger. Each trigger resets the pending
// timer.
type Debouncer struct {
	mu    sync.Mutex
	clk   clock.Clock
	delay time.Duration
	fn    func()
	timer clock.Timer
}

func NewDebouncer(clk clock.Clock, delay time.Duration, fn func()) *Debouncer {
	if clk == nil {
		clk = clock.System()
	}
	return &Debouncer{clk: clk, delay: delay, fn: fn}
}

// Trigger schedules (or reschedules) fn to run after the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clk.AfterFunc(d.delay, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	d.timer = nil
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Stop cancels any pending execution.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Throttler runs fn on the leading edge, then drops triggers for the rest of
// the interval. Suppressed triggers are lost, not queued.
type Throttler struct {
	mu       sync.Mutex
	clk      clock.Clock
	interval time.Duration
	fn       func()
	last     time.Time
}

func NewThrottler(clk clock.Clock, interval time.Duration, fn func()) *Throttler {
	if clk == nil {
		clk = clock.System()
	}
	return &Throttler{clk: clk, interval: interval, fn: fn}
}

// Trigger runs fn immediately if the interval has elapsed since the last
// run. It reports whether fn ran.
func (t *Throttler) Trigger() bool {
	t.mu.Lock()
	now := t.clk.Now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		t.mu.Unlock()
		return false
	}
	t.last = now
	fn := t.fn
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}
