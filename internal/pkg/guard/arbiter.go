package guard

import (
	"sync"

	"github.com/google/uuid"
	"github.com/minicart/storefront/internal/observability"
)

const componentArbiter = "request_arbiter"

// Arbiter tracks the most recently issued request token per operation key so
// that out-of-order completions of superseded requests are discarded instead
// of overwriting newer state.
type Arbiter struct {
	mu      sync.Mutex
	current map[string]string

	log   observability.Logger
	stale observability.Counter
}

func NewArbiter(tel observability.Observability) *Arbiter {
	log := observability.NopLogger()
	stale := observability.NopCounter()
	if tel != nil {
		log = tel.Logger()
		stale = tel.Metrics().Counter(observability.MGuardSuppressions)
	}
	return &Arbiter{
		current: make(map[string]string),
		log:     log.With(observability.F("component", componentArbiter)),
		stale:   stale,
	}
}

// Issue mints a fresh token for key and records it as current, superseding
// any outstanding one. Every invocation of the guarded operation must issue
// anew; reusing an outstanding token would let two in-flight requests tie.
func (a *Arbiter) Issue(key string) string {
	token := uuid.NewString()
	a.mu.Lock()
	a.current[key] = token
	a.mu.Unlock()
	return token
}

// Current returns the outstanding token for key, if any. Diagnostics only.
func (a *Arbiter) Current(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.current[key]
	return t, ok
}

// CompleteIfCurrent runs apply only when token is still the key's current
// token, clearing it; a superseded token's result is silently dropped and
// applied=false is returned. apply runs outside the arbiter's lock.
func (a *Arbiter) CompleteIfCurrent(key, token string, apply func()) (applied bool) {
	a.mu.Lock()
	cur, ok := a.current[key]
	if !ok || cur != token {
		a.mu.Unlock()
		a.stale.Add(1,
			observability.L("kind", "stale_response"),
		)
		a.log.Debug("stale_response_discarded",
			observability.F("key", key),
		)
		return false
	}
	delete(a.current, key)
	a.mu.Unlock()

	if apply != nil {
		apply()
	}
	return true
}
