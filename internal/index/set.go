package index

import "slices"

// Set is a sorted, duplicate-free list of work ids.
//
// Sets are small (a verse is rarely set by more than a few dozen works), so a
// sorted slice beats a map on memory and keeps persisted records stable.
type Set []string

// Contains reports whether id is a member.
func (s Set) Contains(id string) bool {
	_, ok := slices.BinarySearch(s, id)
	return ok
}

// Len returns the member count.
func (s Set) Len() int { return len(s) }

// Clone returns an independent copy.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	return slices.Clone(s)
}

// with returns the set including id and whether it changed.
// The receiver's backing array may be reused.
func (s Set) with(id string) (Set, bool) {
	i, ok := slices.BinarySearch(s, id)
	if ok {
		return s, false
	}
	return slices.Insert(s, i, id), true
}

// without returns the set excluding id and whether it changed.
// The receiver's backing array may be reused.
func (s Set) without(id string) (Set, bool) {
	i, ok := slices.BinarySearch(s, id)
	if !ok {
		return s, false
	}
	s = slices.Delete(s, i, i+1)
	if len(s) == 0 {
		return nil, true
	}
	return s, true
}

// normalized returns the set sorted and deduplicated, and whether the input
// violated either property.
func (s Set) normalized() (Set, bool) {
	if slices.IsSorted(s) && !hasAdjacentDup(s) {
		return s, false
	}
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out), true
}

func hasAdjacentDup(s Set) bool {
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			return true
		}
	}
	return false
}
