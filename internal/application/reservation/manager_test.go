package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/minicart/storefront/internal/domain/catalog"
	domres "github.com/minicart/storefront/internal/domain/reservation"
	"github.com/minicart/storefront/internal/infrastructure/memory"
	"github.com/minicart/storefront/internal/pkg/clock"
)

func testItems() []catalog.Item {
	return []catalog.Item{
		{ID: "A", Name: "Item A", Namespace: catalog.NamespaceProduct, TotalStock: 10, UnitPrice: 100},
		{ID: "B", Name: "Item B", Namespace: catalog.NamespaceBundle, TotalStock: 5, UnitPrice: 250},
		{ID: "C", Name: "Item C", Namespace: catalog.NamespaceCombo, TotalStock: 3, UnitPrice: 999},
	}
}

func newTestManager(t *testing.T, cfg Config, items ...catalog.Item) (*Manager, *clock.Fake, *memory.InventoryStore) {
	t.Helper()
	if len(items) == 0 {
		items = testItems()
	}
	store := memory.NewInventoryStore(items...)
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	m, err := NewManager(context.Background(), store, nil, clk, cfg, nil)
	require.NoError(t, err)
	return m, clk, store
}

func lines(pairs ...any) []domres.Line {
	out := make([]domres.Line, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, domres.Line{ItemID: pairs[i].(string), Quantity: pairs[i+1].(int)})
	}
	return out
}

func TestReserveReducesAvailability(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	res, err := m.Reserve(ctx, "h1", lines("A", 3))
	require.NoError(t, err)
	assert.Equal(t, m.clk.Now().Add(15*time.Minute), res.ExpiresAt)

	view := m.Availability(ctx)
	assert.Equal(t, 7, view["A"].Available)
	assert.Equal(t, 5, view["B"].Available)
}

func TestReserveValidation(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.Reserve(ctx, "", lines("A", 1))
	assert.ErrorIs(t, err, domres.ErrHolderRequired)

	_, err = m.Reserve(ctx, "h1", nil)
	assert.ErrorIs(t, err, domres.ErrEmptyItems)

	_, err = m.Reserve(ctx, "h1", lines("A", 0))
	assert.ErrorIs(t, err, catalog.ErrInvalidQuantity)

	_, err = m.Reserve(ctx, "h1", lines("A", -2))
	assert.ErrorIs(t, err, catalog.ErrInvalidQuantity)

	_, err = m.Reserve(ctx, "h1", lines("nope", 1))
	assert.ErrorIs(t, err, catalog.ErrUnknownItem)

	// Validation failures leave the view untouched.
	assert.Equal(t, 10, m.Availability(ctx)["A"].Available)
	_, ok := m.Reservation("h1")
	assert.False(t, ok)
}

func TestReserveAllOrNothing(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.Reserve(ctx, "h1", lines("A", 11, "B", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domres.ErrInsufficientStock)

	var insufficient *domres.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Len(t, insufficient.Shortfalls, 1)
	assert.Equal(t, "A", insufficient.Shortfalls[0].ItemID)
	assert.Equal(t, 11, insufficient.Shortfalls[0].Requested)
	assert.Equal(t, 10, insufficient.Shortfalls[0].Available)

	view := m.Availability(ctx)
	assert.Equal(t, 10, view["A"].Available)
	assert.Equal(t, 5, view["B"].Available)
}

func TestReleaseRestoresExactly(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	before := m.Availability(ctx)["A"].Available

	_, err := m.Reserve(ctx, "h1", lines("A", 3))
	require.NoError(t, err)
	require.True(t, m.Release(ctx, "h1"))

	assert.Equal(t, before, m.Availability(ctx)["A"].Available)

	// Second release is a no-op.
	assert.False(t, m.Release(ctx, "h1"))
	assert.Equal(t, before, m.Availability(ctx)["A"].Available)
}

func TestImplicitReReserve(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.Reserve(ctx, "h1", lines("A", 2))
	require.NoError(t, err)

	_, err = m.Reserve(ctx, "h1", lines("B", 1))
	require.NoError(t, err)

	view := m.Availability(ctx)
	assert.Equal(t, 10, view["A"].Available)
	assert.Equal(t, 4, view["B"].Available)

	r, ok := m.Reservation("h1")
	require.True(t, ok)
	assert.Equal(t, lines("B", 1), r.Lines)
	assert.Equal(t, 1, m.Stats().Reservations)
}

func TestFailedReserveKeepsPriorLease(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.Reserve(ctx, "h1", lines("A", 2))
	require.NoError(t, err)

	_, err = m.Reserve(ctx, "h1", lines("C", 4))
	assert.ErrorIs(t, err, domres.ErrInsufficientStock)

	// The failed call changed nothing: prior lease intact.
	r, ok := m.Reservation("h1")
	require.True(t, ok)
	assert.Equal(t, lines("A", 2), r.Lines)
	assert.Equal(t, 8, m.Availability(ctx)["A"].Available)
}

func TestReserveCountsPriorLeaseAsReleased(t *testing.T) {
	m, _, _ := newTestManager(t, Config{},
		catalog.Item{ID: "A", Name: "Item A", Namespace: catalog.NamespaceProduct, TotalStock: 2, UnitPrice: 100},
	)
	ctx := context.Background()

	_, err := m.Reserve(ctx, "h1", lines("A", 2))
	require.NoError(t, err)

	// All stock is held by h1's own lease; replacing it must still fit.
	_, err = m.Reserve(ctx, "h1", lines("A", 2))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Availability(ctx)["A"].Available)
}

func TestNeverOversell(t *testing.T) {
	const total = 50
	m, _, _ := newTestManager(t, Config{},
		catalog.Item{ID: "A", Name: "Item A", Namespace: catalog.NamespaceProduct, TotalStock: total, UnitPrice: 100},
	)
	ctx := context.Background()

	const workers = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			holder := string(rune('a'+n%26)) + "-" + string(rune('0'+n/26))
			qty := 1 + n%3
			if _, err := m.Reserve(ctx, holder, lines("A", qty)); err == nil {
				mu.Lock()
				reserved += qty
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, reserved, total)
	assert.GreaterOrEqual(t, m.Availability(ctx)["A"].Available, 0)

	s := m.Stats()
	assert.Equal(t, total-s.ReservedUnits, s.Available["A"])
}

func TestExpirySweepReleases(t *testing.T) {
	m, clk, _ := newTestManager(t, Config{TTL: 15 * time.Minute, SweepInterval: time.Minute})
	ctx := context.Background()

	_, err := m.Reserve(ctx, "h1", lines("A", 4))
	require.NoError(t, err)
	assert.Equal(t, 6, m.Availability(ctx)["A"].Available)

	// Not yet due.
	clk.Advance(14 * time.Minute)
	assert.Equal(t, 0, m.SweepExpired(ctx))
	assert.Equal(t, 6, m.Availability(ctx)["A"].Available)

	// The expiry instant itself counts as expired.
	clk.Advance(time.Minute)
	assert.Equal(t, 1, m.SweepExpired(ctx))
	assert.Equal(t, 10, m.Availability(ctx)["A"].Available)

	_, ok := m.Reservation("h1")
	assert.False(t, ok)

	// Releasing after the sweep is a safe no-op.
	assert.False(t, m.Release(ctx, "h1"))
	assert.Equal(t, 10, m.Availability(ctx)["A"].Available)
}

func TestSweepSkipsReplacedLease(t *testing.T) {
	m, clk, _ := newTestManager(t, Config{TTL: 10 * time.Minute})
	ctx := context.Background()

	_, err := m.Reserve(ctx, "h1", lines("A", 2))
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	_, err = m.Reserve(ctx, "h1", lines("A", 3))
	require.NoError(t, err)

	// Past the first lease's expiry but not the replacement's. The stale
	// heap entry must not release the live lease.
	clk.Advance(6 * time.Minute)
	assert.Equal(t, 0, m.SweepExpired(ctx))

	r, ok := m.Reservation("h1")
	require.True(t, ok)
	assert.Equal(t, lines("A", 3), r.Lines)
	assert.Equal(t, 7, m.Availability(ctx)["A"].Available)
}

func TestConfirmConsumesPermanently(t *testing.T) {
	m, _, store := newTestManager(t, Config{})
	ctx := context.Background()

	availBefore := m.Availability(ctx)["A"].Available

	_, err := m.Reserve(ctx, "h1", lines("A", 1))
	require.NoError(t, err)
	require.NoError(t, m.Confirm(ctx, "h1", "O1"))

	stock, err := store.ReadStock(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 9, stock)

	// The units are consumed, not returned: available stays where the
	// reserve left it.
	assert.Equal(t, availBefore-1, m.Availability(ctx)["A"].Available)

	s := m.Stats()
	assert.Equal(t, 0, s.Reservations)
	assert.Equal(t, 9, s.Stock["A"])

	// Second confirm finds nothing.
	err = m.Confirm(ctx, "h1", "O1")
	assert.ErrorIs(t, err, domres.ErrNoReservation)
	assert.Equal(t, availBefore-1, m.Availability(ctx)["A"].Available)
}

func TestConfirmWithoutReservation(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	err := m.Confirm(context.Background(), "ghost", "O1")
	assert.ErrorIs(t, err, domres.ErrNoReservation)
}

func TestConfirmAfterSweepFailsSafely(t *testing.T) {
	m, clk, store := newTestManager(t, Config{TTL: time.Minute})
	ctx := context.Background()

	_, err := m.Reserve(ctx, "h1", lines("A", 2))
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, m.SweepExpired(ctx))

	err = m.Confirm(ctx, "h1", "O1")
	assert.ErrorIs(t, err, domres.ErrNoReservation)

	// Authoritative stock untouched.
	stock, err := store.ReadStock(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 10, stock)
	assert.Equal(t, 10, m.Availability(ctx)["A"].Available)
}

func TestEndToEndScenario(t *testing.T) {
	m, _, _ := newTestManager(t, Config{},
		catalog.Item{ID: "A", Name: "Item A", Namespace: catalog.NamespaceProduct, TotalStock: 2, UnitPrice: 100},
	)
	ctx := context.Background()

	_, err := m.Reserve(ctx, "h1", lines("A", 2))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Availability(ctx)["A"].Available)

	_, err = m.Reserve(ctx, "h2", lines("A", 1))
	require.Error(t, err)
	var insufficient *domres.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 0, insufficient.Shortfalls[0].Available)

	require.True(t, m.Release(ctx, "h1"))
	assert.Equal(t, 2, m.Availability(ctx)["A"].Available)

	_, err = m.Reserve(ctx, "h2", lines("A", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Availability(ctx)["A"].Available)
}

func TestStatsSnapshot(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.Reserve(ctx, "h2", lines("B", 2))
	require.NoError(t, err)
	_, err = m.Reserve(ctx, "h1", lines("A", 3, "C", 1))
	require.NoError(t, err)

	s := m.Stats()
	assert.Equal(t, 2, s.Reservations)
	assert.Equal(t, 6, s.ReservedUnits)
	assert.Equal(t, 10, s.Stock["A"])
	assert.Equal(t, 7, s.Available["A"])
	assert.Equal(t, 3, s.Available["B"])
	require.Len(t, s.Holders, 2)
	assert.Equal(t, "h1", s.Holders[0].HolderID)
	assert.Equal(t, 4, s.Holders[0].Units)
}

func TestSweeperLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, clk, _ := newTestManager(t, Config{TTL: time.Minute, SweepInterval: 30 * time.Second})
	ctx := context.Background()

	_, err := m.Reserve(ctx, "h1", lines("A", 1))
	require.NoError(t, err)

	m.Start(ctx)

	clk.Advance(2 * time.Minute)
	// The loop consumes ticks asynchronously; poll until the lease is gone.
	require.Eventually(t, func() bool {
		_, ok := m.Reservation("h1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	assert.Equal(t, 10, m.Availability(ctx)["A"].Available)
}

func TestConfirmFailurePropagates(t *testing.T) {
	store := &failingStore{InventoryStore: memory.NewInventoryStore(testItems()...)}
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	m, err := NewManager(context.Background(), store, nil, clk, Config{ConfirmTimeout: 200 * time.Millisecond}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Reserve(ctx, "h1", lines("A", 2))
	require.NoError(t, err)

	store.setFail(true)
	err = m.Confirm(ctx, "h1", "O1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domres.ErrNoReservation)

	// The lease was reinstated; a later confirm can succeed.
	store.setFail(false)
	require.NoError(t, m.Confirm(ctx, "h1", "O1"))

	stock, err := store.ReadStock(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 8, stock)
}

func TestConfirmPartialFailureKeepsUnwrittenLinesOnly(t *testing.T) {
	store := &failingStore{InventoryStore: memory.NewInventoryStore(testItems()...)}
	clk := clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	m, err := NewManager(context.Background(), store, nil, clk, Config{ConfirmTimeout: 200 * time.Millisecond}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Reserve(ctx, "h1", lines("A", 2, "B", 1))
	require.NoError(t, err)

	// The first line lands, the second does not.
	store.setFailItem("B")
	err = m.Confirm(ctx, "h1", "O1")
	require.Error(t, err)

	stock, err := store.ReadStock(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 8, stock)

	// Only the unwritten line remains on lease; retrying must not touch A
	// again.
	r, ok := m.Reservation("h1")
	require.True(t, ok)
	assert.Equal(t, lines("B", 1), r.Lines)

	s := m.Stats()
	assert.Equal(t, 8, s.Stock["A"])
	assert.Equal(t, 8, s.Available["A"])
	assert.Equal(t, 4, s.Available["B"])

	store.setFailItem("")
	require.NoError(t, m.Confirm(ctx, "h1", "O2"))

	stock, err = store.ReadStock(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 8, stock)
	stock, err = store.ReadStock(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, 4, stock)

	_, ok = m.Reservation("h1")
	assert.False(t, ok)
}

type failingStore struct {
	*memory.InventoryStore
	mu       sync.Mutex
	fail     bool
	failItem string
}

func (s *failingStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *failingStore) setFailItem(itemID string) {
	s.mu.Lock()
	s.failItem = itemID
	s.mu.Unlock()
}

func (s *failingStore) DecrementStock(ctx context.Context, itemID string, qty int) error {
	s.mu.Lock()
	fail := s.fail || (s.failItem != "" && s.failItem == itemID)
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.InventoryStore.DecrementStock(ctx, itemID, qty)
}
