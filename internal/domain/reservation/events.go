package reservation

import "time"

const (
	ReleaseReasonExplicit = "explicit"
	ReleaseReasonReplaced = "replaced"
	ReleaseReasonExpired  = "expired"
)

// ReservedEvent is emitted when a holder's lease is created.
type ReservedEvent struct {
	HolderID   string
	Lines      []Line
	ExpiresAt  time.Time
	OccurredAt time.Time
}

func (ReservedEvent) EventName() string { return "reservation.created" }

func NewReservedEvent(r *Reservation, now time.Time) ReservedEvent {
	return ReservedEvent{
		HolderID:   r.HolderID,
		Lines:      append([]Line(nil), r.Lines...),
		ExpiresAt:  r.ExpiresAt,
		OccurredAt: now,
	}
}

// ReleasedEvent is emitted when a lease returns its units to the pool,
// whether explicitly, by replacement, or by expiry.
type ReleasedEvent struct {
	HolderID   string
	Lines      []Line
	Reason     string
	OccurredAt time.Time
}

func (ReleasedEvent) EventName() string { return "reservation.released" }

func NewReleasedEvent(r *Reservation, reason string, now time.Time) ReleasedEvent {
	return ReleasedEvent{
		HolderID:   r.HolderID,
		Lines:      append([]Line(nil), r.Lines...),
		Reason:     reason,
		OccurredAt: now,
	}
}

// ConfirmedEvent is emitted when a lease is converted into a permanent
// decrement of authoritative stock.
type ConfirmedEvent struct {
	HolderID   string
	OrderID    string
	Lines      []Line
	OccurredAt time.Time
}

func (ConfirmedEvent) EventName() string { return "reservation.confirmed" }

func NewConfirmedEvent(r *Reservation, orderID string, now time.Time) ConfirmedEvent {
	return ConfirmedEvent{
		HolderID:   r.HolderID,
		OrderID:    orderID,
		Lines:      append([]Line(nil), r.Lines...),
		OccurredAt: now,
	}
}
