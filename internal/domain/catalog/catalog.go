package catalog

import "errors"

var (
	ErrUnknownItem     = errors.New("catalog: unknown item")
	ErrInvalidQuantity = errors.New("catalog: quantity must be greater than zero")
	ErrInvalidStock    = errors.New("catalog: stock must be zero or greater")
)

// Namespace partitions the catalog into independent stock pools. Items in
// different namespaces never share inventory.
type Namespace string

const (
	NamespaceProduct Namespace = "product"
	NamespaceBundle  Namespace = "bundle"
	NamespaceCombo   Namespace = "combo"
)

// Item is an orderable unit with authoritative stock. Stock is mutated only
// through the store's decrement path.
type Item struct {
	ID         string
	Name       string
	Namespace  Namespace
	TotalStock int
	UnitPrice  int64
}

func NewItem(id, name string, ns Namespace, totalStock int, unitPrice int64) (Item, error) {
	if totalStock < 0 {
		return Item{}, ErrInvalidStock
	}
	return Item{
		ID:         id,
		Name:       name,
		Namespace:  ns,
		TotalStock: totalStock,
		UnitPrice:  unitPrice,
	}, nil
}

// Availability is the shopper-facing view of one item: authoritative stock
// minus all live reservation quantities.
type Availability struct {
	Name      string
	Namespace Namespace
	Available int
	UnitPrice int64
}
