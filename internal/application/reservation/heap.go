package reservation

import "time"

// expiryEntry points at a lease by holder plus the lease's expiry instant.
// Entries are never removed eagerly; a popped entry whose expiry no longer
// matches the holder's live lease is stale and skipped.
type expiryEntry struct {
	holderID  string
	expiresAt time.Time
}

// expiryHeap is a min-heap ordered by expiresAt, used by the sweep to find
// due leases without scanning every reservation.
type expiryHeap []expiryEntry

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }

func (h expiryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) {
	*h = append(*h, x.(expiryEntry))
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
