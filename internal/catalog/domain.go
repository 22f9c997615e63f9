// Package catalog serves the items reference data the ledger points
// at. Item ids are opaque to the movement engine; this package is the
// lookup surface for pickers and importers.
package catalog

// Item is a catalog entry.
type Item struct {
	ID   int64
	SKU  string
	Name string
}

// SearchFilter narrows an item search.
type SearchFilter struct {
	Query string
	Limit int
}
