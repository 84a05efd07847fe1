package pageheap

// smallFreeSet holds, for each page length in [1, kMaxPages), one
// intrusive list of normal-free spans and one of returned-free spans
// (spec.md §4.4). Mirroring the teacher's per-shard bucket array
// (bucket.go) indexed by a small integer key, insertion is O(1) at the
// head and removal is O(1) given the span itself.
type smallFreeSet struct {
	maxPages Length
	byLength []smallFreeBucket // index 1..maxPages-1 used; index 0 unused
}

type smallFreeBucket struct {
	normal   spanList
	returned spanList
}

func newSmallFreeSet(maxPages Length) *smallFreeSet {
	s := &smallFreeSet{
		maxPages: maxPages,
		byLength: make([]smallFreeBucket, maxPages),
	}
	for i := range s.byLength {
		s.byLength[i].normal.init()
		s.byLength[i].returned.init()
	}
	return s
}

func (s *smallFreeSet) listFor(length Length, loc Location) *spanList {
	b := &s.byLength[length]
	if loc == Returned {
		return &b.returned
	}
	return &b.normal
}

// insert links sp into the bucket matching its current length and
// location. Callers must have already set sp.location to Normal or
// Returned.
func (s *smallFreeSet) insert(sp *Span) {
	s.listFor(sp.length, sp.location).pushFront(sp)
}

func (s *smallFreeSet) remove(sp *Span) {
	s.listFor(sp.length, sp.location).remove(sp)
}

// exactMatch scans the length-n lists, normal before returned, per
// spec.md §4.4 step 1.
func (s *smallFreeSet) exactMatch(n Length) *Span {
	if n == 0 || n >= s.maxPages {
		return nil
	}
	b := &s.byLength[n]
	if sp := b.normal.popFront(); sp != nil {
		return sp
	}
	return b.returned.popFront()
}

// largerCarveCandidate scans lengths n+1..maxPages-1, normal before
// returned within each length, per spec.md §4.4 step 2.
func (s *smallFreeSet) largerCarveCandidate(n Length) *Span {
	for length := n + 1; length < s.maxPages; length++ {
		b := &s.byLength[length]
		if sp := b.normal.popFront(); sp != nil {
			return sp
		}
		if sp := b.returned.popFront(); sp != nil {
			return sp
		}
	}
	return nil
}
