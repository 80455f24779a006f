package reservation

import (
	"container/heap"
	"context"
	"time"

	domoutbox "github.com/minicart/storefront/internal/domain/outbox"
	domres "github.com/minicart/storefront/internal/domain/reservation"
	"github.com/minicart/storefront/internal/observability"
	"github.com/minicart/storefront/internal/pkg/clock"
)

// Start launches the background sweep that reclaims expired leases on the
// configured interval. Safe to call once; subsequent calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		bg, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		// Create the ticker before launching the loop so a fake clock
		// advanced immediately after Start still delivers the tick.
		ticker := m.clk.NewTicker(m.cfg.SweepInterval)
		go m.sweepLoop(bg, ticker)
		m.log.Info("expiry_sweep_started",
			observability.F("interval", m.cfg.SweepInterval.String()),
			observability.F("ttl", m.cfg.TTL.String()),
		)
	})
}

// Stop halts the background sweep and waits for the loop to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		<-m.done
		m.log.Info("expiry_sweep_stopped")
	})
}

func (m *Manager) sweepLoop(ctx context.Context, ticker clock.Ticker) {
	defer close(m.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.SweepExpired(ctx)
		}
	}
}

// SweepExpired releases every lease whose expiry has passed, feeding through
// the same bookkeeping as an explicit release. It returns the number of
// leases reclaimed. Exposed for operational triggering alongside the loop.
func (m *Manager) SweepExpired(ctx context.Context) int {
	start := time.Now()
	now := m.clk.Now()

	m.mu.Lock()
	var expired []*domres.Reservation
	for m.expiries.Len() > 0 {
		next := m.expiries[0]
		if next.expiresAt.After(now) {
			break
		}
		heap.Pop(&m.expiries)

		r := m.reservations[next.holderID]
		if r == nil || !r.ExpiresAt.Equal(next.expiresAt) {
			// Stale entry: the lease was released, confirmed, or replaced.
			continue
		}
		m.releaseLocked(r)
		expired = append(expired, r)
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	events := make([]domoutbox.Event, 0, len(expired))
	for _, r := range expired {
		events = append(events, domres.NewReleasedEvent(r, domres.ReleaseReasonExpired, now))
	}
	m.publishAll(ctx, events)

	m.observe(useCaseSweep, "success", time.Since(start).Seconds())
	m.log.Info("expired_reservations_released",
		observability.F("count", len(expired)),
	)
	return len(expired)
}
