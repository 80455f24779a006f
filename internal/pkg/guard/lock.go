package guard

import (
	"context"
	"sync"
	"time"

	"github.com/minicart/storefront/internal/observability"
	"github.com/minicart/storefront/internal/pkg/clock"
)

const componentLocks = "operation_locks"

// LockManager provides per-key mutual exclusion with a timeout backstop: a
// caller that never unlocks cannot hold a key forever. Keys are arbitrary
// strings, typically holder + operation.
type LockManager struct {
	mu    sync.Mutex
	clk   clock.Clock
	locks map[string]*lockEntry
	gen   uint64

	log          observability.Logger
	suppressions observability.Counter
}

type lockEntry struct {
	gen   uint64
	timer clock.Timer
}

func NewLockManager(clk clock.Clock, tel observability.Observability) *LockManager {
	if clk == nil {
		clk = clock.System()
	}
	log := observability.NopLogger()
	suppressions := observability.NopCounter()
	if tel != nil {
		log = tel.Logger()
		suppressions = tel.Metrics().Counter(observability.MGuardSuppressions)
	}
	return &LockManager{
		clk:          clk,
		locks:        make(map[string]*lockEntry),
		log:          log.With(observability.F("component", componentLocks)),
		suppressions: suppressions,
	}
}

// IsLocked reports whether key is currently held.
func (m *LockManager) IsLocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks[key] != nil
}

// Lock marks key held and schedules an automatic unlock after timeout.
// Locking an already held key replaces the hold and restarts the timeout.
func (m *LockManager) Lock(key string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockLocked(key, timeout)
}

// Unlock clears the hold on key. Safe to call when not held.
func (m *LockManager) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlockLocked(key, 0)
}

// Execute runs fn under the key's lock, releasing on every exit path. If the
// key is already held the call is suppressed, not failed: fn does not run
// and Execute returns ran=false with a nil error. The timeout auto-unlock
// still applies as a backstop while fn runs.
func (m *LockManager) Execute(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	m.mu.Lock()
	if m.locks[key] != nil {
		m.mu.Unlock()
		m.suppressions.Add(1,
			observability.L("kind", "lock_busy"),
		)
		m.log.Debug("operation_skipped_duplicate",
			observability.F("key", key),
		)
		return false, nil
	}
	gen := m.lockLocked(key, timeout)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.unlockLocked(key, gen)
		m.mu.Unlock()
	}()

	return true, fn(ctx)
}

// lockLocked installs a fresh hold and returns its generation.
// Caller holds m.mu.
func (m *LockManager) lockLocked(key string, timeout time.Duration) uint64 {
	if prev := m.locks[key]; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	m.gen++
	gen := m.gen
	entry := &lockEntry{gen: gen}
	if timeout > 0 {
		entry.timer = m.clk.AfterFunc(timeout, func() {
			m.mu.Lock()
			released := m.unlockLocked(key, gen)
			m.mu.Unlock()
			if released {
				m.log.Warn("lock_timeout_released",
					observability.F("key", key),
					observability.F("timeout", timeout.String()),
				)
			}
		})
	}
	m.locks[key] = entry
	return gen
}

// unlockLocked clears key's hold. A non-zero gen releases only the matching
// generation, so a late timeout or completion cannot release a newer hold
// acquired for the same key. Caller holds m.mu.
func (m *LockManager) unlockLocked(key string, gen uint64) bool {
	entry := m.locks[key]
	if entry == nil {
		return false
	}
	if gen != 0 && entry.gen != gen {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(m.locks, key)
	return true
}
