package pageheap

// pagemap is a two-level radix trie keyed by PageID, generalizing the
// arenas [1<<arenaL1Bits]*[1<<arenaL2Bits]*heapArena layout mirrored
// across the corpus's runtime sources (e.g. JBossBC-gocore's
// memoryAlloc/mheap.go) into a configurable trie sized off the heap's
// page shift instead of a fixed 48-bit Go-runtime layout.
//
// Only a span's first and last page are guaranteed mapped (spec.md §3);
// interior pages may be stale or absent. get never faults: an unmapped
// slot simply reads as nil.
type pagemap struct {
	l1Bits, l2Bits uint
	l2Mask         PageID

	root []*[]*Span // sparse: root[i] is nil until ensure touches it
}

// defaultL1Bits/defaultL2Bits split a 36-bit page-number space (a 48-bit
// virtual address space at a 4 KiB page size, per spec.md §4.1's "48-bit
// address spaces use two levels") into two equal levels. The root slice
// is 2^18 pointers (2 MiB) and stays entirely nil except where ensure has
// touched it; each leaf is allocated lazily and is itself 2 MiB.
const (
	defaultL1Bits = 18
	defaultL2Bits = 18
)

func newPagemap() *pagemap {
	return newPagemapWithBits(defaultL1Bits, defaultL2Bits)
}

func newPagemapWithBits(l1Bits, l2Bits uint) *pagemap {
	return &pagemap{
		l1Bits: l1Bits,
		l2Bits: l2Bits,
		l2Mask: PageID(1)<<l2Bits - 1,
		root:   make([]*[]*Span, 1<<l1Bits),
	}
}

func (m *pagemap) split(p PageID) (l1 PageID, l2 PageID) {
	return p >> m.l2Bits, p & m.l2Mask
}

// get returns the span mapped to page p, or nil if p was never touched by
// ensure/set.
func (m *pagemap) get(p PageID) *Span {
	l1, l2 := m.split(p)
	if int(l1) >= len(m.root) {
		return nil
	}
	leaf := m.root[l1]
	if leaf == nil {
		return nil
	}
	return (*leaf)[l2]
}

// set stores s (or nil) at page p. Callers normally ensure() the leaf
// covering p first; if it is absent, set allocates it.
func (m *pagemap) set(p PageID, s *Span) {
	l1, l2 := m.split(p)
	leaf := m.root[l1]
	if leaf == nil {
		// Defensive: callers are expected to ensure() first, but a leaf
		// is cheap enough that lazily creating one here keeps set total.
		l := make([]*Span, 1<<m.l2Bits)
		m.root[l1] = &l
		leaf = &l
	}
	(*leaf)[l2] = s
}

// ensure pre-allocates every leaf node covering [start, start+n) so that
// later set calls in that range cannot fail. Leaf storage comes from
// plain Go allocation, never from the page heap itself (spec.md §4.1).
func (m *pagemap) ensure(start PageID, n Length) error {
	if n == 0 {
		return nil
	}
	first, _ := m.split(start)
	last, _ := m.split(start + PageID(n) - 1)
	if int(last) >= len(m.root) {
		return ErrOutOfMemory
	}
	for l1 := first; l1 <= last; l1++ {
		if m.root[l1] == nil {
			l := make([]*Span, 1<<m.l2Bits)
			m.root[l1] = &l
		}
	}
	return nil
}

// nextAfter returns the smallest page >= p whose slot is non-nil, and
// true, or (0, false) if no such page exists. Used by GetNextRange for
// external introspection (spec.md §6).
func (m *pagemap) nextAfter(p PageID) (PageID, bool) {
	l1, l2 := m.split(p)
	for ; int(l1) < len(m.root); l1++ {
		leaf := m.root[l1]
		if leaf == nil {
			l2 = 0
			continue
		}
		for ; l2 <= m.l2Mask; l2++ {
			if (*leaf)[l2] != nil {
				return l1<<m.l2Bits | l2, true
			}
		}
		l2 = 0
	}
	return 0, false
}
