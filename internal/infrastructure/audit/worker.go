package audit

import (
	"context"

	domoutbox "github.com/minicart/storefront/internal/domain/outbox"
	domres "github.com/minicart/storefront/internal/domain/reservation"
	"github.com/minicart/storefront/internal/observability"
	"github.com/minicart/storefront/internal/observability/logctx"
)

const workerService = "reservation_audit_worker"

// Worker subscribes to reservation lifecycle events and exports them as
// metrics and structured logs, giving operations a running account of lease
// churn without touching reservation state.
type Worker struct {
	subscriber domoutbox.Subscriber

	log    observability.Logger
	events observability.Counter
}

func New(subscriber domoutbox.Subscriber, tel observability.Observability) *Worker {
	log := observability.NopLogger()
	events := observability.NopCounter()
	if tel != nil {
		log = tel.Logger()
		events = tel.Metrics().Counter(observability.MReservationEvents)
	}
	return &Worker{
		subscriber: subscriber,
		log:        log.With(observability.F("service", workerService)),
		events:     events,
	}
}

func (w *Worker) Start() {
	if w.subscriber == nil {
		return
	}
	w.subscriber.Subscribe(domres.ReservedEvent{}.EventName(), w.handle)
	w.subscriber.Subscribe(domres.ReleasedEvent{}.EventName(), w.handle)
	w.subscriber.Subscribe(domres.ConfirmedEvent{}.EventName(), w.handle)
}

func (w *Worker) handle(ctx context.Context, e domoutbox.Event) error {
	name := e.EventName()
	w.events.Add(1,
		observability.L("event", name),
	)

	logger := logctx.FromOr(ctx, w.log).With(observability.F("event", name))
	switch evt := e.(type) {
	case domres.ReservedEvent:
		logger.Info("reservation_audit",
			observability.F("holder_id", evt.HolderID),
			observability.F("lines", len(evt.Lines)),
			observability.F("expires_at", evt.ExpiresAt),
		)
	case domres.ReleasedEvent:
		logger.Info("reservation_audit",
			observability.F("holder_id", evt.HolderID),
			observability.F("reason", evt.Reason),
		)
	case domres.ConfirmedEvent:
		logger.Info("reservation_audit",
			observability.F("holder_id", evt.HolderID),
			observability.F("order_id", evt.OrderID),
		)
	default:
		logger.Debug("reservation_audit_unknown_event")
	}
	return nil
}
