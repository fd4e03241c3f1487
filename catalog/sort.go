package catalog

import (
	"cmp"
	"fmt"
	"slices"
)

// SortKey names the field the catalog is ordered by.
type SortKey string

const (
	SortNone     SortKey = ""
	SortPrice    SortKey = "price"
	SortCategory SortKey = "category"
)

// SortKeys lists the keys offered by the sort control, in display order.
var SortKeys = []SortKey{SortPrice, SortCategory}

// ParseSortKey validates a sort key from user input.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(s); k {
	case SortNone, SortPrice, SortCategory:
		return k, nil
	default:
		return SortNone, fmt.Errorf("%w: %q", ErrUnknownSortKey, s)
	}
}

// Label is the human name shown for the key.
func (k SortKey) Label() string {
	switch k {
	case SortPrice:
		return "Price"
	case SortCategory:
		return "Category"
	default:
		return ""
	}
}

// Sort returns a copy of items in ascending order of key. Equal items keep
// their catalog order. SortNone returns the items in catalog order.
func Sort(items []Item, key SortKey) ([]Item, error) {
	out := slices.Clone(items)

	switch key {
	case SortNone:
	case SortPrice:
		slices.SortStableFunc(out, func(a, b Item) int { return cmp.Compare(a.Price, b.Price) })
	case SortCategory:
		slices.SortStableFunc(out, func(a, b Item) int { return cmp.Compare(a.Category, b.Category) })
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSortKey, key)
	}
	return out, nil
}
