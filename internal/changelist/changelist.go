// Package changelist records which properties of an object changed and lets
// several observers merge everything since their last look into one set.
package changelist

import (
	"sort"

	"github.com/pixil98/go-entsync/internal/schema"
)

// ArrayChange narrows a change to an array property. Length is the array
// length after the change; Indices are the elements that changed. Consumers
// use Length to skip regions that did not change.
type ArrayChange struct {
	Length  int
	Indices []int
}

// Change names one changed property.
type Change struct {
	Locator schema.Locator
	// Array is nil for non-array properties, and also when the whole array
	// must be resent.
	Array *ArrayChange
}

// Whole marks the property changed without element detail.
func Whole(l schema.Locator) Change {
	return Change{Locator: l}
}

// Elements marks individual elements of an array property changed.
func Elements(l schema.Locator, length int, indices ...int) Change {
	return Change{Locator: l, Array: &ArrayChange{Length: length, Indices: indices}}
}

// ChangeSet is a list of changes with at most one entry per locator, sorted by
// locator.
type ChangeSet []Change

// Locators returns the changed locators in order.
func (s ChangeSet) Locators() []schema.Locator {
	out := make([]schema.Locator, len(s))
	for i, c := range s {
		out[i] = c.Locator
	}
	return out
}

// Contains reports whether the locator changed.
func (s ChangeSet) Contains(l schema.Locator) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].Locator >= l })
	return i < len(s) && s[i].Locator == l
}

// Merge unions any number of change lists. Merging is idempotent: a locator
// appears once, array element indices are unioned and clipped to the latest
// length, and a whole-property change absorbs element detail.
func Merge(lists ...[]Change) ChangeSet {
	byLoc := make(map[schema.Locator]*Change)
	var order []schema.Locator

	for _, list := range lists {
		for _, c := range list {
			cur, ok := byLoc[c.Locator]
			if !ok {
				cp := Change{Locator: c.Locator}
				if c.Array != nil {
					cp.Array = &ArrayChange{Length: c.Array.Length, Indices: append([]int(nil), c.Array.Indices...)}
				}
				byLoc[c.Locator] = &cp
				order = append(order, c.Locator)
				continue
			}
			mergeInto(cur, c)
		}
	}

	out := make(ChangeSet, 0, len(order))
	for _, l := range order {
		c := byLoc[l]
		if c.Array != nil {
			c.Array.Indices = normalize(c.Array.Indices, c.Array.Length)
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Locator < out[j].Locator })
	return out
}

func mergeInto(cur *Change, c Change) {
	if cur.Array == nil {
		return
	}
	if c.Array == nil {
		cur.Array = nil
		return
	}
	cur.Array.Length = c.Array.Length
	cur.Array.Indices = append(cur.Array.Indices, c.Array.Indices...)
}

// normalize sorts, dedupes and drops indices past length.
func normalize(indices []int, length int) []int {
	sort.Ints(indices)
	out := indices[:0]
	for _, idx := range indices {
		if idx < 0 || idx >= length {
			continue
		}
		if len(out) > 0 && out[len(out)-1] == idx {
			continue
		}
		out = append(out, idx)
	}
	return out
}
