package reservation

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/minicart/storefront/internal/domain/catalog"
	domoutbox "github.com/minicart/storefront/internal/domain/outbox"
	domres "github.com/minicart/storefront/internal/domain/reservation"
	"github.com/minicart/storefront/internal/observability"
	"github.com/minicart/storefront/internal/observability/logctx"
	"github.com/minicart/storefront/internal/pkg/clock"
)

const (
	managerService = "reservation-service"
	spanPrefix     = "UC."

	useCaseReserve = "reservation.reserve"
	useCaseRelease = "reservation.release"
	useCaseConfirm = "reservation.confirm"
	useCaseSweep   = "reservation.sweep"

	storePeer          = "inventory-store"
	endpointDecrement  = "decrement_stock"
	publishTimeout     = 300 * time.Millisecond
	decrementBaseDelay = 50 * time.Millisecond
	decrementRetries   = 3
)

// Config tunes lease lifetime and the background sweep.
type Config struct {
	TTL            time.Duration
	SweepInterval  time.Duration
	ConfirmTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 3 * time.Second
	}
	return c
}

// ReserveResult reports a successful hold.
type ReserveResult struct {
	ExpiresAt time.Time
}

// HolderStat is one live lease in the stats snapshot.
type HolderStat struct {
	HolderID  string
	Units     int
	ExpiresAt time.Time
}

// Stats is a read-only operational snapshot of the manager.
type Stats struct {
	Reservations  int
	ReservedUnits int
	Stock         map[string]int
	Available     map[string]int
	Holders       []HolderStat
}

// Manager owns all reservation state: the authoritative stock mirror, the
// live lease set, and the derived available view. Every mutation runs under
// one mutex so no interleaving can let two holders oversell the same pool.
type Manager struct {
	cfg   Config
	store catalog.Store
	pub   domoutbox.Publisher
	clk   clock.Clock

	mu           sync.Mutex
	items        map[string]catalog.Item
	stock        map[string]int
	available    map[string]int
	reservations map[string]*domres.Reservation
	expiries     expiryHeap

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	log          observability.Logger
	tracer       observability.Tracer
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

// NewManager loads the catalog from the store and starts with an empty lease
// set, so available equals authoritative stock.
func NewManager(ctx context.Context, store catalog.Store, publisher domoutbox.Publisher, clk clock.Clock, cfg Config, tel observability.Observability) (*Manager, error) {
	if store == nil {
		return nil, errors.New("reservation: store required")
	}
	if clk == nil {
		clk = clock.System()
	}

	baseLog := observability.NopLogger()
	tracer := observability.NopTracer()
	metrics := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		tracer = tel.Tracer()
		metrics = tel.Metrics()
	}
	baseLog = baseLog.With(observability.F("service", managerService))

	items, err := store.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("reservation: load catalog: %w", err)
	}

	m := &Manager{
		cfg:          cfg.withDefaults(),
		store:        store,
		pub:          publisher,
		clk:          clk,
		items:        make(map[string]catalog.Item, len(items)),
		stock:        make(map[string]int, len(items)),
		available:    make(map[string]int, len(items)),
		reservations: make(map[string]*domres.Reservation),
		done:         make(chan struct{}),
		log:          baseLog,
		tracer:       tracer,
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		extCounter:   metrics.Counter(observability.MExternalRequests),
		extHistogram: metrics.Histogram(observability.MExternalRequestDuration),
	}
	for _, it := range items {
		m.items[it.ID] = it
		m.stock[it.ID] = it.TotalStock
		m.available[it.ID] = it.TotalStock
	}
	heap.Init(&m.expiries)
	return m, nil
}

// Availability returns the derived per-item view across all namespaces.
// Read-only; never fails.
func (m *Manager) Availability(ctx context.Context) map[string]catalog.Availability {
	_ = ctx

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]catalog.Availability, len(m.items))
	for id, it := range m.items {
		out[id] = catalog.Availability{
			Name:      it.Name,
			Namespace: it.Namespace,
			Available: m.available[id],
			UnitPrice: it.UnitPrice,
		}
	}
	return out
}

// Reserve atomically checks the derived view and, if every requested line
// fits, replaces the holder's lease with a new one. Any existing lease for
// the holder is released first; on failure nothing changes, including the
// prior lease.
func (m *Manager) Reserve(ctx context.Context, holderID string, lines []domres.Line) (_ *ReserveResult, err error) {
	logger := logctx.FromOr(ctx, m.log).With(
		observability.F("use_case", useCaseReserve),
		observability.F("holder_id", holderID),
	)

	ctx, span := m.tracer.Start(ctx, spanPrefix+"Reserve",
		attribute.String("use_case", useCaseReserve),
		attribute.String("holder.id", holderID),
		attribute.Int("lines", len(lines)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	defer func() {
		m.finishSpan(span, err, statusText)
		m.observe(useCaseReserve, outcome, time.Since(start).Seconds())
		if err != nil {
			logger.Info("use_case_done",
				observability.F("outcome", outcome),
				observability.F("status", statusText),
				observability.F("error", err.Error()),
			)
			return
		}
		logger.Info("use_case_done",
			observability.F("outcome", outcome),
			observability.F("status", statusText),
		)
	}()

	if holderID == "" {
		outcome, statusText = "error", "VALIDATION_FAILED"
		return nil, domres.ErrHolderRequired
	}
	if len(lines) == 0 {
		outcome, statusText = "error", "VALIDATION_FAILED"
		return nil, domres.ErrEmptyItems
	}

	need, order, err := m.normalize(lines)
	if err != nil {
		outcome, statusText = "error", "VALIDATION_FAILED"
		return nil, err
	}

	now := m.clk.Now()

	m.mu.Lock()
	prior := m.reservations[holderID]
	priorQty := make(map[string]int)
	if prior != nil {
		for _, l := range prior.Lines {
			priorQty[l.ItemID] += l.Quantity
		}
	}

	var shortfalls []domres.Shortfall
	for _, id := range order {
		effective := m.available[id] + priorQty[id]
		if need[id] > effective {
			shortfalls = append(shortfalls, domres.Shortfall{
				ItemID:    id,
				Requested: need[id],
				Available: effective,
			})
		}
	}
	if len(shortfalls) > 0 {
		m.mu.Unlock()
		outcome, statusText = "error", "INSUFFICIENT_STOCK"
		return nil, &domres.InsufficientStockError{Shortfalls: shortfalls}
	}

	var events []domoutbox.Event
	if prior != nil {
		m.releaseLocked(prior)
		events = append(events, domres.NewReleasedEvent(prior, domres.ReleaseReasonReplaced, now))
	}

	r, err := domres.New(holderID, lines, now, m.cfg.TTL)
	if err != nil {
		m.mu.Unlock()
		outcome, statusText = "error", "VALIDATION_FAILED"
		return nil, err
	}
	for id, qty := range need {
		m.available[id] -= qty
	}
	m.reservations[holderID] = r
	heap.Push(&m.expiries, expiryEntry{holderID: holderID, expiresAt: r.ExpiresAt})
	m.mu.Unlock()

	events = append(events, domres.NewReservedEvent(r, now))
	m.publishAll(ctx, events)

	span.AddEvent("reservation.created",
		trace.WithAttributes(attribute.String("holder.id", holderID)),
	)
	return &ReserveResult{ExpiresAt: r.ExpiresAt}, nil
}

// Release removes the holder's lease and returns its quantities to the
// derived view. Releasing a holder without a lease is a no-op.
func (m *Manager) Release(ctx context.Context, holderID string) bool {
	logger := logctx.FromOr(ctx, m.log).With(
		observability.F("use_case", useCaseRelease),
		observability.F("holder_id", holderID),
	)
	start := time.Now()

	now := m.clk.Now()
	m.mu.Lock()
	r := m.reservations[holderID]
	if r == nil {
		m.mu.Unlock()
		m.observe(useCaseRelease, "noop", time.Since(start).Seconds())
		logger.Debug("release_noop")
		return false
	}
	m.releaseLocked(r)
	m.mu.Unlock()

	m.publishAll(ctx, []domoutbox.Event{domres.NewReleasedEvent(r, domres.ReleaseReasonExplicit, now)})
	m.observe(useCaseRelease, "success", time.Since(start).Seconds())
	logger.Info("reservation_released",
		observability.F("units", r.Units()),
	)
	return true
}

// Confirm converts the holder's lease into a permanent decrement of
// authoritative stock. The lease is claimed before the store write so a
// concurrent confirm, release, or sweep for the same holder safely finds
// nothing; if the store write fails partway the unwritten lines are
// reinstated as the holder's lease while written lines stay consumed.
func (m *Manager) Confirm(ctx context.Context, holderID, orderID string) (err error) {
	logger := logctx.FromOr(ctx, m.log).With(
		observability.F("use_case", useCaseConfirm),
		observability.F("holder_id", holderID),
		observability.F("order_id", orderID),
	)

	ctx, span := m.tracer.Start(ctx, spanPrefix+"Confirm",
		attribute.String("use_case", useCaseConfirm),
		attribute.String("holder.id", holderID),
		attribute.String("order.id", orderID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	defer func() {
		m.finishSpan(span, err, statusText)
		m.observe(useCaseConfirm, outcome, time.Since(start).Seconds())
		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	now := m.clk.Now()

	m.mu.Lock()
	r := m.reservations[holderID]
	if r == nil {
		m.mu.Unlock()
		outcome, statusText = "error", "NO_RESERVATION"
		return domres.ErrNoReservation
	}
	// Claim the lease. Availability stays reduced: the units are leaving the
	// pool for good, not returning to it.
	delete(m.reservations, holderID)
	m.mu.Unlock()

	confirmed, decErr := m.decrementAuthoritative(ctx, r)

	m.mu.Lock()
	for _, l := range confirmed {
		m.stock[l.ItemID] -= l.Quantity
	}
	if decErr != nil {
		// Lines already written are consumed for good; reinstating them would
		// make a retried confirm decrement the store twice. Only the unwritten
		// tail goes back on lease. The decrement walks r.Lines in order, so
		// confirmed is always a prefix.
		if remaining := r.Lines[len(confirmed):]; len(remaining) > 0 {
			rem := &domres.Reservation{
				HolderID:  r.HolderID,
				Lines:     append([]domres.Line(nil), remaining...),
				CreatedAt: r.CreatedAt,
				ExpiresAt: r.ExpiresAt,
			}
			m.reservations[holderID] = rem
			heap.Push(&m.expiries, expiryEntry{holderID: holderID, expiresAt: rem.ExpiresAt})
		}
		m.mu.Unlock()
		outcome, statusText = "error", "STORE_DECREMENT_FAILED"
		logger.Error("authoritative_decrement_failed",
			observability.F("confirmed_lines", len(confirmed)),
			observability.F("error", decErr.Error()),
		)
		return fmt.Errorf("reservation: confirm %s: %w", orderID, decErr)
	}
	m.mu.Unlock()

	m.publishAll(ctx, []domoutbox.Event{domres.NewConfirmedEvent(r, orderID, now)})
	span.AddEvent("reservation.confirmed",
		trace.WithAttributes(attribute.String("order.id", orderID)),
	)
	return nil
}

// Reservation returns a copy of the holder's live lease, if any.
func (m *Manager) Reservation(holderID string) (*domres.Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[holderID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Stats returns a consistent operational snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Reservations: len(m.reservations),
		Stock:        make(map[string]int, len(m.stock)),
		Available:    make(map[string]int, len(m.available)),
		Holders:      make([]HolderStat, 0, len(m.reservations)),
	}
	for id, n := range m.stock {
		s.Stock[id] = n
	}
	for id, n := range m.available {
		s.Available[id] = n
	}
	for _, r := range m.reservations {
		s.ReservedUnits += r.Units()
		s.Holders = append(s.Holders, HolderStat{
			HolderID:  r.HolderID,
			Units:     r.Units(),
			ExpiresAt: r.ExpiresAt,
		})
	}
	sort.Slice(s.Holders, func(i, j int) bool { return s.Holders[i].HolderID < s.Holders[j].HolderID })
	return s
}

// normalize validates lines and folds duplicates into per-item totals.
// order preserves first-seen item order for deterministic failure reports.
func (m *Manager) normalize(lines []domres.Line) (need map[string]int, order []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	need = make(map[string]int, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: %s", catalog.ErrInvalidQuantity, l.ItemID)
		}
		if _, ok := m.items[l.ItemID]; !ok {
			return nil, nil, fmt.Errorf("%w: %s", catalog.ErrUnknownItem, l.ItemID)
		}
		if _, seen := need[l.ItemID]; !seen {
			order = append(order, l.ItemID)
		}
		need[l.ItemID] += l.Quantity
	}
	return need, order, nil
}

// releaseLocked returns the lease's quantities to the derived view and drops
// it from the live set. Caller holds m.mu. The heap entry is left to lapse.
func (m *Manager) releaseLocked(r *domres.Reservation) {
	for _, l := range r.Lines {
		m.available[l.ItemID] += l.Quantity
	}
	delete(m.reservations, r.HolderID)
}

// decrementAuthoritative writes each line to the store with bounded retries.
// It returns the lines durably acknowledged so the caller can reconcile the
// mirror even on partial failure.
func (m *Manager) decrementAuthoritative(ctx context.Context, r *domres.Reservation) ([]domres.Line, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConfirmTimeout)
	defer cancel()

	confirmed := make([]domres.Line, 0, len(r.Lines))
	for _, l := range r.Lines {
		backoff := retry.WithMaxRetries(decrementRetries, retry.NewExponential(decrementBaseDelay))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			start := time.Now()
			err := m.store.DecrementStock(ctx, l.ItemID, l.Quantity)
			outcome := "success"
			if err != nil {
				outcome = "error"
				// Unknown item or refused decrement will not heal on retry.
				if !errors.Is(err, catalog.ErrUnknownItem) && !errors.Is(err, catalog.ErrInvalidStock) {
					err = retry.RetryableError(err)
				}
			}
			m.extCounter.Add(1,
				observability.L("peer", storePeer),
				observability.L("endpoint", endpointDecrement),
				observability.L("outcome", outcome),
			)
			m.extHistogram.Observe(time.Since(start).Seconds(),
				observability.L("peer", storePeer),
				observability.L("endpoint", endpointDecrement),
			)
			return err
		})
		if err != nil {
			return confirmed, fmt.Errorf("decrement %s by %d: %w", l.ItemID, l.Quantity, err)
		}
		confirmed = append(confirmed, l)
	}
	return confirmed, nil
}

func (m *Manager) publishAll(ctx context.Context, events []domoutbox.Event) {
	if m.pub == nil {
		return
	}
	for _, e := range events {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		if err := m.pub.Publish(pctx, e); err != nil {
			m.log.Warn("event_publish_failed",
				observability.F("event", e.EventName()),
				observability.F("error", err.Error()),
			)
		}
		cancel()
	}
}

func (m *Manager) observe(useCase, outcome string, latencySeconds float64) {
	m.reqCounter.Add(1,
		observability.L("use_case", useCase),
		observability.L("outcome", outcome),
	)
	m.durHistogram.Observe(latencySeconds,
		observability.L("use_case", useCase),
	)
}

func (m *Manager) finishSpan(span trace.Span, err error, statusText string) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, statusText)
	} else {
		span.SetStatus(codes.Ok, statusText)
	}
	span.End()
}
