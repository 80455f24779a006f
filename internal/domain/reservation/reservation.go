package reservation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrHolderRequired = errors.New("reservation: holder id required")
	ErrEmptyItems     = errors.New("reservation: at least one item required")
	ErrNoReservation  = errors.New("reservation: no live reservation for holder")

	// ErrInsufficientStock is the sentinel for availability failures;
	// match with errors.Is. The concrete error carries per-item detail.
	ErrInsufficientStock = errors.New("reservation: insufficient stock")
)

// Line is one requested item within a reservation.
type Line struct {
	ItemID   string
	Quantity int
}

// Reservation is a time-bounded hold on item quantities for a single holder.
// It reduces the available view without touching authoritative stock; at most
// one live reservation exists per holder.
type Reservation struct {
	HolderID  string
	Lines     []Line
	CreatedAt time.Time
	ExpiresAt time.Time
}

func New(holderID string, lines []Line, now time.Time, ttl time.Duration) (*Reservation, error) {
	if holderID == "" {
		return nil, ErrHolderRequired
	}
	if len(lines) == 0 {
		return nil, ErrEmptyItems
	}
	return &Reservation{
		HolderID:  holderID,
		Lines:     append([]Line(nil), lines...),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Expired reports whether the lease has lapsed at the given instant.
// The boundary instant counts as expired.
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Units is the total quantity held across all lines.
func (r *Reservation) Units() int {
	total := 0
	for _, l := range r.Lines {
		total += l.Quantity
	}
	return total
}

// Clone returns a copy safe to hand outside the owning critical section.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	c.Lines = append([]Line(nil), r.Lines...)
	return &c
}

// Shortfall describes one item that could not be reserved.
type Shortfall struct {
	ItemID    string
	Requested int
	Available int
}

// InsufficientStockError reports every item whose availability fell short.
// The reserve attempt as a whole is all-or-nothing, so no state changed.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s requested=%d available=%d", s.ItemID, s.Requested, s.Available))
	}
	return "reservation: insufficient stock: " + strings.Join(parts, ", ")
}

// Is lets callers match with errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }
