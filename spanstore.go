package pageheap

import "github.com/tidwall/hashmap"

// spanStore allocates and recycles Span descriptors from a dedicated
// arena, never through the page heap itself (spec.md §4.3: doing so would
// be infinite regress). Descriptors are grown in fixed-size chunks of
// spanStoreChunkSize slots and
// retired slots are reused best-fit-free-style via a LIFO free list,
// generalizing the teacher's reuseSlice/spaceCache best-fit reuse idea
// (reuse_slice.go, scache.go) from byte offsets to descriptor slots.
type spanStore struct {
	chunks [][]Span
	cursor uint32   // next never-yet-issued slot index
	free   []uint32 // LIFO of retired slot indices, ready for reuse

	// byStart indexes live spans by start page for CheckExpensive's
	// duplicate/dangling-descriptor detection.
	byStart *hashmap.Map[PageID, uint32]
}

const spanStoreChunkSize = 4096

func newSpanStore() *spanStore {
	return &spanStore{
		byStart: hashmap.New[PageID, uint32](1024),
	}
}

func (s *spanStore) slot(idx uint32) *Span {
	chunk := idx / spanStoreChunkSize
	off := idx % spanStoreChunkSize
	return &s.chunks[chunk][off]
}

func (s *spanStore) grow() {
	s.chunks = append(s.chunks, make([]Span, spanStoreChunkSize))
}

// newSpan returns a fresh, InUse descriptor for [start, start+length).
func (s *spanStore) newSpan(start PageID, length Length) *Span {
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = s.nextFreshSlot()
	}

	sp := s.slot(idx)
	*sp = Span{start: start, length: length, location: InUse, store: idx}
	s.byStart.Set(start, idx)
	return sp
}

func (s *spanStore) nextFreshSlot() uint32 {
	if s.cursor == uint32(len(s.chunks))*spanStoreChunkSize {
		s.grow()
	}
	idx := s.cursor
	s.cursor++
	return idx
}

// retire releases sp's storage back to the free list. Callers must never
// dereference sp again after calling retire (spec.md §4.3).
func (s *spanStore) retire(sp *Span) {
	s.byStart.Delete(sp.start)
	idx := sp.store
	*sp = Span{}
	s.free = append(s.free, idx)
}

// reindex updates byStart after sp's start page moves, which only happens
// when two free spans merge and the surviving descriptor absorbs a
// lower-addressed neighbor (heap.go's mergeSpan).
func (s *spanStore) reindex(oldStart PageID, sp *Span) {
	if oldStart == sp.start {
		return
	}
	s.byStart.Delete(oldStart)
	s.byStart.Set(sp.start, sp.store)
}

// lookupByStart is used by CheckExpensive to verify the pagemap/spanstore
// agree on which descriptor owns a given start page.
func (s *spanStore) lookupByStart(start PageID) (*Span, bool) {
	idx, ok := s.byStart.Get(start)
	if !ok {
		return nil, false
	}
	return s.slot(idx), true
}

func (s *spanStore) liveCount() int { return s.byStart.Len() }
