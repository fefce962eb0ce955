package types

import (
	"maps"
	"slices"
)

// Set is an unordered collection of distinct strings. The zero value is an
// empty set ready for reading; use [NewSet] or [Set.Add] to populate it.
type Set map[string]struct{}

// NewSet returns a set holding items. Duplicates collapse.
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Add inserts item and returns s, allocating it when nil.
func (s Set) Add(item string) Set {
	if s == nil {
		s = make(Set)
	}
	s[item] = struct{}{}
	return s
}

// Has reports whether item is in s.
func (s Set) Has(item string) bool {
	_, ok := s[item]
	return ok
}

// Len returns the number of items in s.
func (s Set) Len() int { return len(s) }

// Sorted returns the items of s in ascending order. An empty set yields an
// empty, non-nil slice so it encodes as [] on the wire.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	out = slices.AppendSeq(out, maps.Keys(s))
	slices.Sort(out)
	return out
}

// Equal reports whether s and o hold the same items. Nil and empty sets are
// equal.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if !o.Has(k) {
			return false
		}
	}
	return true
}
