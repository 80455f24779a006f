package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	domoutbox "github.com/minicart/storefront/internal/domain/outbox"
)

type testEvent struct{ name string }

func (e testEvent) EventName() string { return e.name }

func TestBusDeliversToSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)
	ctx := context.Background()

	var mu sync.Mutex
	got := make([]string, 0, 2)
	done := make(chan struct{}, 2)

	bus.Subscribe("reservation.created", func(_ context.Context, e domoutbox.Event) error {
		mu.Lock()
		got = append(got, e.EventName())
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	bus.Start(ctx)

	require.NoError(t, bus.Publish(ctx, testEvent{name: "reservation.created"}))
	require.NoError(t, bus.Publish(ctx, testEvent{name: "reservation.created"}))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	bus.Stop(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"reservation.created", "reservation.created"}, got)
}

func TestBusDropsUnsubscribedEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)
	ctx := context.Background()
	bus.Start(ctx)

	require.NoError(t, bus.Publish(ctx, testEvent{name: "nobody.listens"}))
	bus.Stop(ctx)
}

func TestBusPublishAfterStopIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)
	ctx := context.Background()
	bus.Start(ctx)
	bus.Stop(ctx)

	err := bus.Publish(ctx, testEvent{name: "late"})
	assert.ErrorIs(t, err, ErrBusStopped)
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)
	ctx := context.Background()

	delivered := make(chan struct{}, 1)
	bus.Subscribe("boom", func(context.Context, domoutbox.Event) error {
		panic("handler exploded")
	})
	bus.Subscribe("ok", func(context.Context, domoutbox.Event) error {
		delivered <- struct{}{}
		return nil
	})

	bus.Start(ctx)

	require.NoError(t, bus.Publish(ctx, testEvent{name: "boom"}))
	require.NoError(t, bus.Publish(ctx, testEvent{name: "ok"}))

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("bus stopped dispatching after panic")
	}

	bus.Stop(ctx)
}
