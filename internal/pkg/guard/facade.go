package guard

import (
	"context"
	"time"

	"github.com/minicart/storefront/internal/observability"
	"github.com/minicart/storefront/internal/pkg/clock"
)

// Guard bundles the lock manager and arbiter so call sites compose them
// through small pre-configured facades instead of wiring each by hand.
type Guard struct {
	Locks   *LockManager
	Arbiter *Arbiter
	clk     clock.Clock
}

func New(clk clock.Clock, tel observability.Observability) *Guard {
	if clk == nil {
		clk = clock.System()
	}
	return &Guard{
		Locks:   NewLockManager(clk, tel),
		Arbiter: NewArbiter(tel),
		clk:     clk,
	}
}

// Immediate protects one-shot actions such as form submits: the key is
// locked for the duration of fn, and a duplicate arriving while the first is
// in flight is suppressed.
type Immediate struct {
	g       *Guard
	key     string
	timeout time.Duration
}

func (g *Guard) Immediate(key string, timeout time.Duration) *Immediate {
	return &Immediate{g: g, key: key, timeout: timeout}
}

// Do runs fn unless a duplicate is already in flight for the key.
// ran=false means the call was suppressed, which is not an error.
func (p *Immediate) Do(ctx context.Context, fn func(ctx context.Context) error) (ran bool, err error) {
	return p.g.Locks.Execute(ctx, p.key, p.timeout, fn)
}

// Debounced protects high-frequency interactive changes: triggers are
// coalesced over a quiet period, the surviving invocation runs under the
// key's lock, and its result is applied only while its token is still
// current, so a late response of a superseded run is dropped.
type Debounced struct {
	g       *Guard
	key     string
	timeout time.Duration
	deb     *Debouncer
	run     func(ctx context.Context, token string)
}

func (g *Guard) Debounced(key string, delay, timeout time.Duration, run func(ctx context.Context, token string)) *Debounced {
	d := &Debounced{g: g, key: key, timeout: timeout, run: run}
	d.deb = NewDebouncer(g.clk, delay, d.execute)
	return d
}

// Trigger records one occurrence of the action; the burst collapses into a
// single guarded execution after the quiet period.
func (d *Debounced) Trigger() {
	d.deb.Trigger()
}

// Stop cancels any pending execution.
func (d *Debounced) Stop() {
	d.deb.Stop()
}

func (d *Debounced) execute() {
	_, _ = d.g.Locks.Execute(context.Background(), d.key, d.timeout, func(ctx context.Context) error {
		token := d.g.Arbiter.Issue(d.key)
		d.run(ctx, token)
		return nil
	})
}

// Apply routes a completed result for the given token through the arbiter.
// It reports whether the result was applied or discarded as stale.
func (d *Debounced) Apply(token string, apply func()) bool {
	return d.g.Arbiter.CompleteIfCurrent(d.key, token, apply)
}
