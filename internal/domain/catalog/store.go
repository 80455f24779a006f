package catalog

import "context"

// Store is the authoritative inventory boundary. Confirmed orders are the
// only callers of DecrementStock; everything else reads.
type Store interface {
	Items(ctx context.Context) ([]Item, error)
	ReadStock(ctx context.Context, itemID string) (int, error)
	DecrementStock(ctx context.Context, itemID string, quantity int) error
}
