package pageheap

import "sort"

// largeBinSet is one location's (normal or returned) collection of large
// spans (length >= kMaxPages), segregated into bins keyed by exact
// length. Design note option (c) of spec.md §9 ("size-indexed segregated
// bins with intrusive lists") is used here because no B-tree, skiplist,
// or ordered-map library appears anywhere in the retrieved corpus (see
// DESIGN.md) to back the "sorted balanced tree keyed by (length, start)"
// option directly.
type largeBinSet struct {
	bins    map[Length]*spanList
	present []Length // sorted, no duplicates: lengths with a non-empty bin
}

func newLargeBinSet() *largeBinSet {
	return &largeBinSet{bins: make(map[Length]*spanList)}
}

func (s *largeBinSet) binFor(length Length) *spanList {
	b, ok := s.bins[length]
	if !ok {
		b = &spanList{}
		b.init()
		s.bins[length] = b
	}
	return b
}

func (s *largeBinSet) markPresent(length Length) {
	i := sort.Search(len(s.present), func(i int) bool { return s.present[i] >= length })
	if i < len(s.present) && s.present[i] == length {
		return
	}
	s.present = append(s.present, 0)
	copy(s.present[i+1:], s.present[i:])
	s.present[i] = length
}

func (s *largeBinSet) markAbsent(length Length) {
	i := sort.Search(len(s.present), func(i int) bool { return s.present[i] >= length })
	if i >= len(s.present) || s.present[i] != length {
		return
	}
	s.present = append(s.present[:i], s.present[i+1:]...)
}

func (s *largeBinSet) insert(sp *Span) {
	b := s.binFor(sp.length)
	wasEmpty := b.empty()
	b.pushFront(sp)
	if wasEmpty {
		s.markPresent(sp.length)
	}
}

func (s *largeBinSet) remove(sp *Span) {
	b := s.bins[sp.length]
	b.remove(sp)
	if b.empty() {
		s.markAbsent(sp.length)
	}
}

// findSmallestGE removes and returns the smallest-length span with
// length >= n within this bin set, ties broken by lowest start address
// (spec.md §4.4 step 3). O(log D) to find the bin, D the number of
// distinct lengths present in this set, plus a linear scan of that one
// bin for its lowest-addressed span.
func (s *largeBinSet) findSmallestGE(n Length) *Span {
	i := sort.Search(len(s.present), func(i int) bool { return s.present[i] >= n })
	if i >= len(s.present) {
		return nil
	}
	length := s.present[i]
	b := s.bins[length]
	sp := b.front()
	for x := sp.next; x != &b.root; x = x.next {
		if x.start < sp.start {
			sp = x
		}
	}
	b.remove(sp)
	if b.empty() {
		s.markAbsent(length)
	}
	return sp
}

func (s *largeBinSet) empty() bool { return len(s.present) == 0 }

// popLargest removes and returns a span from the largest-length present
// bin, used by the scavenger to prefer releasing fewer, bigger spans over
// many small ones (fewer Decommit syscalls per page reclaimed).
func (s *largeBinSet) popLargest() *Span {
	if len(s.present) == 0 {
		return nil
	}
	length := s.present[len(s.present)-1]
	b := s.bins[length]
	sp := b.popFront()
	if b.empty() {
		s.markAbsent(length)
	}
	return sp
}

// largeFreeSet holds the two large-span bin sets spec.md §4.4 describes:
// normal (committed) and returned (decommitted). Allocation consults
// normal first, then returned (spec.md §4.4 step 3); both share the same
// segregated-bin implementation via largeBinSet.
type largeFreeSet struct {
	normal   *largeBinSet
	returned *largeBinSet
}

func newLargeFreeSet() *largeFreeSet {
	return &largeFreeSet{normal: newLargeBinSet(), returned: newLargeBinSet()}
}

func (s *largeFreeSet) binSetFor(loc Location) *largeBinSet {
	if loc == Returned {
		return s.returned
	}
	return s.normal
}

func (s *largeFreeSet) insert(sp *Span) { s.binSetFor(sp.location).insert(sp) }
func (s *largeFreeSet) remove(sp *Span) { s.binSetFor(sp.location).remove(sp) }

// findSmallestGE tries the normal set first, then the returned set, per
// spec.md §4.4 step 3.
func (s *largeFreeSet) findSmallestGE(n Length) *Span {
	if sp := s.normal.findSmallestGE(n); sp != nil {
		return sp
	}
	return s.returned.findSmallestGE(n)
}
