package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/minicart/storefront/internal/domain/catalog"
)

// InventoryStore is the authoritative in-process inventory owner. It backs
// the catalog.Store port with a mutex-guarded map; stock only ever moves
// down, through DecrementStock.
type InventoryStore struct {
	mu    sync.RWMutex
	items map[string]catalog.Item
}

func NewInventoryStore(items ...catalog.Item) *InventoryStore {
	s := &InventoryStore{
		items: make(map[string]catalog.Item, len(items)),
	}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

func (s *InventoryStore) Items(ctx context.Context) ([]catalog.Item, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]catalog.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InventoryStore) ReadStock(ctx context.Context, itemID string) (int, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[itemID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", catalog.ErrUnknownItem, itemID)
	}
	return it.TotalStock, nil
}

func (s *InventoryStore) DecrementStock(ctx context.Context, itemID string, quantity int) error {
	_ = ctx

	if quantity <= 0 {
		return catalog.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("%w: %s", catalog.ErrUnknownItem, itemID)
	}
	if quantity > it.TotalStock {
		return fmt.Errorf("%w: %s has %d, decrement of %d refused", catalog.ErrInvalidStock, itemID, it.TotalStock, quantity)
	}
	it.TotalStock -= quantity
	s.items[itemID] = it
	return nil
}

// DefaultCatalog seeds the three storefront namespaces with demo items.
func DefaultCatalog() []catalog.Item {
	return []catalog.Item{
		{ID: "prod-espresso", Name: "Espresso Machine", Namespace: catalog.NamespaceProduct, TotalStock: 25, UnitPrice: 24900},
		{ID: "prod-grinder", Name: "Burr Grinder", Namespace: catalog.NamespaceProduct, TotalStock: 40, UnitPrice: 8900},
		{ID: "prod-kettle", Name: "Gooseneck Kettle", Namespace: catalog.NamespaceProduct, TotalStock: 60, UnitPrice: 4500},
		{ID: "bundle-filters", Name: "Filter Pack", Namespace: catalog.NamespaceBundle, TotalStock: 120, UnitPrice: 1200},
		{ID: "bundle-cups", Name: "Cup Set", Namespace: catalog.NamespaceBundle, TotalStock: 80, UnitPrice: 3200},
		{ID: "combo-starter", Name: "Starter Combo", Namespace: catalog.NamespaceCombo, TotalStock: 15, UnitPrice: 34900},
		{ID: "combo-barista", Name: "Barista Combo", Namespace: catalog.NamespaceCombo, TotalStock: 10, UnitPrice: 49900},
	}
}
