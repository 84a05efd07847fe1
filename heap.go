package pageheap

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Heap is the page-level allocator: the single stateful object this
// module exposes. All exported methods lock h.mu and are safe for
// concurrent use, mirroring the teacher's single-lock-per-shard model
// collapsed to one lock for the whole structure (spec.md §5 calls for a
// single mutex, not the teacher's per-bucket sharding, since the heap's
// free structures are not independently partitionable the way a
// hash-keyed cache's buckets are).
type Heap struct {
	mu sync.Mutex

	cfg Config
	sys SystemAllocator

	pm      *pagemap
	szCache *sizeClassCache
	spans   *spanStore
	small   *smallFreeSet
	large   *largeFreeSet

	st stats

	aggressiveDecommit bool

	// scavengeCounter implements the incremental scavenger (spec.md
	// §4.4): decremented by every page freed through Delete, and once it
	// reaches zero one span is released and the counter resets.
	scavengeCounter int64

	// pagemapBulkDone latches once maybeBulkPreallocatePagemap has fired
	// (spec.md §4.1's coarse one-shot preallocation), so it never fires
	// twice for the same heap.
	pagemapBulkDone bool
}

// NewHeap constructs an empty Heap over sys, whose Alloc/Commit/Decommit
// calls back it for all physical memory.
func NewHeap(cfg Config, sys SystemAllocator) *Heap {
	return &Heap{
		cfg:             cfg,
		sys:             sys,
		pm:              newPagemap(),
		szCache:         &sizeClassCache{},
		spans:           newSpanStore(),
		small:           newSmallFreeSet(cfg.MaxPages),
		large:           newLargeFreeSet(),
		scavengeCounter: int64(cfg.DefaultReleaseDelayPages),

		aggressiveDecommit: cfg.AggressiveDecommit,
	}
}

// New returns a fresh InUse span of exactly n pages, or nil if memory
// could not be found or grown (spec.md §7: allocation failure is
// reported as a nil span, never a panic).
func (h *Heap) New(n Length) *Span {
	if n == 0 {
		panic("pageheap: New(0)")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		if sp := h.findFree(n); sp != nil {
			carved, _ := h.carve(sp, n)
			return carved
		}
		if _, err := h.growFromOS(n); err != nil {
			return nil
		}
	}
}

// findFree pops and returns a free span able to satisfy an n-page
// request, per spec.md §4.4's ordered search: small exact match, then
// small carve-from-larger, then large-normal, then large-returned. It
// does not touch the system allocator.
func (h *Heap) findFree(n Length) *Span {
	if n < h.cfg.MaxPages {
		if sp := h.small.exactMatch(n); sp != nil {
			return sp
		}
		if sp := h.small.largerCarveCandidate(n); sp != nil {
			return sp
		}
	}
	return h.large.findSmallestGE(n)
}

// carve splits sp (already removed from its free structure) into an
// n-page InUse span and, if any pages remain, a free remainder
// reinserted at sp's old location. If sp was Returned, the carved pages
// are committed before being handed out; a commit failure unwinds the
// split and returns a wrapped ErrCommitFailed alongside a nil span.
func (h *Heap) carve(sp *Span, n Length) (*Span, error) {
	loc := sp.location
	h.subFree(sp.length, loc)

	leftoverLen := sp.length - n
	if leftoverLen > 0 {
		leftover := h.spans.newSpan(sp.start+PageID(n), leftoverLen)
		leftover.location = loc
		if err := h.pm.ensure(leftover.start, leftoverLen); err != nil {
			// leftover's range is a strict sub-range of sp's, and sp's
			// endpoints were already pagemap-mapped before this carve
			// began, so pagemap.ensure's l1-bounds check can never
			// actually fail here. Fail hard rather than silently handing
			// the caller a span longer than n if that ever stops holding.
			h.spans.retire(leftover)
			h.addFree(sp.length, loc)
			h.insertFreeSet(sp)
			return nil, fmt.Errorf("%w: pagemap ensure failed for leftover range starting at page %d", ErrOutOfMemory, leftover.start)
		}
		h.pm.set(leftover.start, leftover)
		h.pm.set(leftover.Last(), leftover)
		h.insertFreeSet(leftover)
		h.addFree(leftover.length, loc)
		sp.length = n
	}

	if loc == Returned {
		addr := sp.start.addr(h.cfg.PageShift)
		bytes := pagesToBytes(sp.length, h.cfg.PageShift)
		if err := h.sys.Commit(addr, bytes); err != nil {
			h.unwindFailedCarve(sp, loc)
			return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
		}
		h.st.commitCount.Inc()
	}

	sp.location = InUse
	sp.sizeclass = 0
	sp.sample = false
	h.pm.set(sp.start, sp)
	h.pm.set(sp.Last(), sp)
	h.szCache.invalidateRange(sp.start, sp.length)
	h.st.allocCount.Inc()
	return sp, nil
}

// unwindFailedCarve re-fuses a leftover split off by carve (if any) back
// onto sp and reinserts the whole thing as free, after a commit failure
// left sp uncarveable.
func (h *Heap) unwindFailedCarve(sp *Span, loc Location) {
	if leftover, ok := h.spans.lookupByStart(sp.End()); ok && leftover.location == loc {
		h.removeFromFreeSet(leftover)
		h.subFree(leftover.length, loc)
		h.mergeSpan(sp, leftover)
	}
	sp.location = loc
	h.addFree(sp.length, loc)
	h.insertFreeSet(sp)
}

// growFromOS reserves at least n pages (rounded up to
// Config.MinSystemAllocPages) from the system allocator, registers the
// result as a Returned span, coalesces it against any adjacent existing
// returned span, and inserts it into the free structures.
func (h *Heap) growFromOS(n Length) (*Span, error) {
	want := n
	if want < h.cfg.MinSystemAllocPages {
		want = h.cfg.MinSystemAllocPages
	}
	bytes := uint64(want) << h.cfg.PageShift
	if over := h.st.systemBytes.Load() + bytes; h.cfg.Limit != 0 && over > h.cfg.Limit {
		// spec.md §4.5/§8 scenario 5: a prospective growth that would
		// exceed the limit triggers scavenging before failing. Per
		// invariant 6, release_at_least only shifts bytes from free to
		// unmapped and never reduces system_bytes itself, so this by
		// itself cannot make room under a system_bytes-based limit; it is
		// attempted anyway, matching the reference EnsureLimit(n,
		// allowRelease=true) default, and the allocation still fails if
		// the limit remains exceeded afterward.
		deficit := Length((over-h.cfg.Limit+h.cfg.pageSizeBytes()-1) >> h.cfg.PageShift)
		h.releaseAtLeastLocked(deficit)
		if h.st.systemBytes.Load()+bytes > h.cfg.Limit {
			return nil, ErrMemoryLimit
		}
	}

	base, actual, err := h.sys.Alloc(uintptr(bytes), h.cfg.pageSize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	start := pageIDFromAddr(base, h.cfg.PageShift)
	gotLen := Length(actual >> h.cfg.PageShift)

	if err := h.pm.ensure(start, gotLen); err != nil {
		h.sys.Release(base, actual)
		return nil, err
	}

	sp := h.spans.newSpan(start, gotLen)
	sp.location = Returned
	h.pm.set(sp.start, sp)
	h.pm.set(sp.Last(), sp)

	h.st.systemBytes.Add(uint64(actual))
	h.st.reserveCount.Inc()
	h.addFree(gotLen, Returned)
	h.maybeBulkPreallocatePagemap(sp.start + PageID(sp.length))

	h.coalesceFreeSpan(sp)
	h.insertFreeSet(sp)
	return sp, nil
}

// pagemapBulkPreallocateSlack multiplies the highest page touched so far
// when the one-shot bulk pagemap.ensure fires, so growth continuing in
// the same region finds leaves already in place rather than crossing the
// threshold again immediately.
const pagemapBulkPreallocateSlack = 2

// maybeBulkPreallocatePagemap fires at most once per Heap, the first
// time growFromOS pushes cumulative system_bytes past
// Config.PagemapBulkThresholdBytes, pre-extending pagemap leaves out to
// pagemapBulkPreallocateSlack times highEnd (spec.md §4.1). It is a pure
// optimization: every growth already calls pm.ensure for its own exact
// range regardless, so a failure here is not fatal to the caller.
func (h *Heap) maybeBulkPreallocatePagemap(highEnd PageID) {
	if h.pagemapBulkDone || h.cfg.PagemapBulkThresholdBytes == 0 {
		return
	}
	if h.st.systemBytes.Load() < h.cfg.PagemapBulkThresholdBytes {
		return
	}
	h.pagemapBulkDone = true
	_ = h.pm.ensure(0, Length(highEnd)*pagemapBulkPreallocateSlack)
}

// Delete returns sp to the heap. sp must be InUse; passing a span that
// is already free is a programming error and panics, mirroring a
// double-free check.
func (h *Heap) Delete(sp *Span) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sp.location != InUse {
		panic("pageheap: Delete of a span that is not in use")
	}

	freed := sp.length
	h.szCache.invalidateRange(sp.start, sp.length)
	sp.sizeclass = 0
	sp.location = Normal
	h.addFree(sp.length, Normal)
	h.st.freeCount.Inc()

	if h.aggressiveDecommit {
		_ = h.decommitSpan(sp)
	}

	h.coalesceFreeSpan(sp)
	h.insertFreeSet(sp)

	h.runIncrementalScavenger(freed)
}

// Split carves the first n pages off sp in place (sp keeps them) and
// returns a new InUse span covering the remainder. sp must be InUse and
// n must be strictly between 0 and sp.Length().
func (h *Heap) Split(sp *Span, n Length) *Span {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sp.location != InUse || n == 0 || n >= sp.length {
		panic("pageheap: invalid Split")
	}

	remStart := sp.start + PageID(n)
	remLen := sp.length - n
	rem := h.spans.newSpan(remStart, remLen)

	sp.length = n
	h.pm.set(sp.Last(), sp)
	h.pm.set(rem.start, rem)
	h.pm.set(rem.Last(), rem)
	h.szCache.invalidateRange(sp.start, sp.length+remLen)
	return rem
}

// decommitSpan attempts to move sp from Normal to Returned in place,
// leaving it Normal (and stats unchanged) if the system call fails.
func (h *Heap) decommitSpan(sp *Span) error {
	addr := sp.start.addr(h.cfg.PageShift)
	bytes := pagesToBytes(sp.length, h.cfg.PageShift)
	if err := h.sys.Decommit(addr, bytes); err != nil {
		return fmt.Errorf("%w: %v", ErrDecommitFailed, err)
	}
	h.subFree(sp.length, sp.location)
	sp.location = Returned
	h.addFree(sp.length, Returned)
	h.st.decommitCount.Inc()
	return nil
}

// coalesceFreeSpan merges sp with its left and/or right neighbor when
// they are coalescable (spec.md §4.4 step "on free"): free, not InUse,
// not sampled, and either matching sp's location or cleared to match it
// by checkAndHandlePreMerge. sp itself must already carry its final
// pre-merge location. Both sides are re-checked after any merge, since a
// pre-merge decommit can give sp the location of a neighbor it skipped.
func (h *Heap) coalesceFreeSpan(sp *Span) {
	for merged := true; merged; {
		merged = false
		if sp.start != 0 {
			if nb := h.pm.get(sp.start - 1); h.coalescable(sp, nb) {
				h.removeFromFreeSet(nb)
				h.mergeSpan(sp, nb)
				merged = true
			}
		}
		if nb := h.pm.get(sp.End()); h.coalescable(sp, nb) {
			h.removeFromFreeSet(nb)
			h.mergeSpan(sp, nb)
			merged = true
		}
	}
}

func (h *Heap) coalescable(sp, nb *Span) bool {
	if nb == nil || nb.location == InUse || nb.sample || sp.sample {
		return false
	}
	if sp.location == nb.location {
		return true
	}
	ok, _ := h.checkAndHandlePreMerge(sp, nb)
	return ok
}

// checkAndHandlePreMerge resolves spec.md §9's open question on merging
// a Normal span with a Returned neighbor: decommit whichever side is
// Normal so both sides match, but only when the Returned neighbor is
// large enough that doing so eliminates more than
// Config.PreMergeFragmentationPages worth of fragmentation. Below that
// threshold the two are left unmerged (the Normal span still coalesces
// with any Normal neighbor on its other side).
func (h *Heap) checkAndHandlePreMerge(sp, nb *Span) (bool, error) {
	normalSpan, returnedSpan := sp, nb
	if sp.location == Returned {
		normalSpan, returnedSpan = nb, sp
	}
	if returnedSpan.length <= h.cfg.PreMergeFragmentationPages {
		return false, nil
	}
	addr := normalSpan.start.addr(h.cfg.PageShift)
	bytes := pagesToBytes(normalSpan.length, h.cfg.PageShift)
	if err := h.sys.Decommit(addr, bytes); err != nil {
		return false, fmt.Errorf("%w: %v", ErrDecommitFailed, err)
	}
	h.subFree(normalSpan.length, Normal)
	// nb is still linked on a Normal free list; move it to the matching
	// Returned list so the caller's removeFromFreeSet finds it there.
	relink := normalSpan == nb
	if relink {
		h.removeFromFreeSet(nb)
	}
	normalSpan.location = Returned
	if relink {
		h.insertFreeSet(nb)
	}
	h.addFree(normalSpan.length, Returned)
	h.st.decommitCount.Inc()
	return true, nil
}

// mergeSpan absorbs nb's range into sp (nb must be sp's immediate left
// or right neighbor) and retires nb's descriptor. Byte accounting is
// unaffected: nb's bytes were already counted under its own location
// before the merge and simply carry over under sp's.
//
// nb's own boundary pages are cleared before its descriptor is retired:
// once retired, nb's slot goes back on the span store's free list and
// may be reused for an unrelated span, so a pagemap entry left pointing
// at it would eventually alias that unrelated span onto what is now
// just interior space in sp's range.
func (h *Heap) mergeSpan(sp, nb *Span) {
	h.pm.set(nb.start, nil)
	h.pm.set(nb.Last(), nil)

	oldStart := sp.start
	if nb.start < sp.start {
		sp.start = nb.start
	}
	sp.length += nb.length
	h.spans.retire(nb)
	h.spans.reindex(oldStart, sp)

	h.pm.set(sp.start, sp)
	h.pm.set(sp.Last(), sp)
}

func (h *Heap) removeFromFreeSet(sp *Span) {
	if sp.length < h.cfg.MaxPages {
		h.small.remove(sp)
	} else {
		h.large.remove(sp)
	}
}

func (h *Heap) insertFreeSet(sp *Span) {
	if sp.length < h.cfg.MaxPages {
		h.small.insert(sp)
	} else {
		h.large.insert(sp)
	}
}

func (h *Heap) addFree(n Length, loc Location) {
	bytes := uint64(n) << h.cfg.PageShift
	if loc == Returned {
		h.st.unmappedBytes.Add(bytes)
	} else {
		h.st.freeBytes.Add(bytes)
	}
}

func (h *Heap) subFree(n Length, loc Location) {
	bytes := uint64(n) << h.cfg.PageShift
	if loc == Returned {
		h.st.unmappedBytes.Sub(bytes)
	} else {
		h.st.freeBytes.Sub(bytes)
	}
}

// runIncrementalScavenger implements spec.md §4.4's incremental
// scavenger: every freed page decrements a counter; when it runs out,
// one span's worth of Normal memory is released and the counter resets
// to DefaultReleaseDelayPages on success or MaxReleaseDelayPages if
// there was nothing left to release. Called with the heap lock already
// held, from Delete.
func (h *Heap) runIncrementalScavenger(freed Length) {
	h.scavengeCounter -= int64(freed)
	if h.scavengeCounter > 0 {
		return
	}
	if released := h.releaseAtLeastLocked(1); released > 0 {
		h.scavengeCounter = int64(h.cfg.DefaultReleaseDelayPages)
	} else {
		h.scavengeCounter = int64(h.cfg.MaxReleaseDelayPages)
	}
}

// ReleaseAtLeast decommits Normal spans until at least n pages have been
// newly released or no more Normal memory remains, and returns the
// number of pages actually released. Large spans are preferred over
// small ones, and within each the largest present length is drained
// first, to minimize the number of Decommit calls per page reclaimed.
func (h *Heap) ReleaseAtLeast(n Length) Length {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseAtLeastLocked(n)
}

func (h *Heap) releaseAtLeastLocked(n Length) Length {
	var released Length
	released += h.releaseFromLargeNormal(n - released)
	if released < n {
		released += h.releaseFromSmallNormal(n - released)
	}
	return released
}

func (h *Heap) releaseFromLargeNormal(want Length) Length {
	var released Length
	for released < want {
		sp := h.large.normal.popLargest()
		if sp == nil {
			break
		}
		n, err := h.releaseSpan(sp)
		if err != nil {
			break
		}
		released += n
	}
	return released
}

func (h *Heap) releaseFromSmallNormal(want Length) Length {
	var released Length
	for length := h.cfg.MaxPages - 1; length >= 1 && released < want; length-- {
		b := &h.small.byLength[length]
		for released < want {
			sp := b.normal.popFront()
			if sp == nil {
				break
			}
			n, err := h.releaseSpan(sp)
			if err != nil {
				return released
			}
			released += n
		}
	}
	return released
}

// releaseSpan decommits a Normal span pulled off a free structure,
// coalesces it against any Returned neighbor, reinserts it, and reports
// how many pages were newly released. On a decommit failure it reports 0
// pages released alongside a wrapped ErrDecommitFailed and puts sp back
// unchanged; the release loops then stop draining that free structure.
func (h *Heap) releaseSpan(sp *Span) (Length, error) {
	freed := sp.length
	if err := h.decommitSpan(sp); err != nil {
		h.insertFreeSet(sp)
		return 0, err
	}
	h.st.scavengeCount.Inc()
	h.coalesceFreeSpan(sp)
	h.insertFreeSet(sp)
	return freed, nil
}

// SetAggressiveDecommit toggles whether Delete decommits a span's
// physical pages immediately instead of leaving it Normal for the
// incremental scavenger to find later.
func (h *Heap) SetAggressiveDecommit(v bool) {
	h.mu.Lock()
	h.aggressiveDecommit = v
	h.mu.Unlock()
}

func (h *Heap) GetAggressiveDecommit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aggressiveDecommit
}

// RegisterSizeClass records that every page of sp belongs to a slab
// carved for the given size class, so GetDescriptor and TryGetSizeClass
// answer consistently for any page in sp's range, not just its
// boundaries.
func (h *Heap) RegisterSizeClass(sp *Span, class uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sp.sizeclass = class
	for i := PageID(0); i < PageID(sp.length); i++ {
		p := sp.start + i
		h.pm.set(p, sp)
		h.szCache.set(p, class)
	}
}

// GetDescriptor returns the span owning page p, or nil if p is not
// currently part of any known span.
func (h *Heap) GetDescriptor(p PageID) *Span {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pm.get(p)
}

// TryGetSizeClass is the lock-free, advisory fast path for size-class
// lookup (spec.md §4.2). A false result does not mean p has no size
// class, only that the cache did not have it; callers fall back to
// GetDescriptor.
func (h *Heap) TryGetSizeClass(p PageID) (uint8, bool) {
	return h.szCache.tryGet(p)
}

// RangeInfo describes one span for external introspection via
// GetNextRange (spec.md §6).
type RangeInfo struct {
	Start     PageID
	Length    Length
	Location  Location
	SizeClass uint8
	Sample    bool
}

// GetNextRange returns the first span whose start page is >= from, for
// callers walking the whole address space (e.g. a heap-profile dumper).
// Start a walk with from = 0; to continue past a returned span, pass its
// Start + Length as the next call's from.
func (h *Heap) GetNextRange(from PageID) (RangeInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := from
	for {
		next, ok := h.pm.nextAfter(p)
		if !ok {
			return RangeInfo{}, false
		}
		sp := h.pm.get(next)
		if sp == nil {
			p = next + 1
			continue
		}
		if sp.start != next {
			// next landed on an interior or last-page marker of a span
			// whose start we've already skipped past; keep walking.
			p = next + 1
			continue
		}
		return RangeInfo{
			Start:     sp.start,
			Length:    sp.length,
			Location:  sp.location,
			SizeClass: sp.sizeclass,
			Sample:    sp.sample,
		}, true
	}
}

// Stats returns a point-in-time snapshot of the heap's counters.
func (h *Heap) Stats() StatsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st.snapshot()
}

// Check performs cheap, near-constant-time invariant checks.
func (h *Heap) Check() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checkCheapLocked()
}

func (h *Heap) checkCheapLocked() error {
	var errs error
	if h.scavengeCounter < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: negative scavenge counter %d", ErrInvariantViolation, h.scavengeCounter))
	}
	sys := h.st.systemBytes.Load()
	unmapped := h.st.unmappedBytes.Load()
	if unmapped > sys {
		errs = multierr.Append(errs, fmt.Errorf("%w: unmapped bytes %d exceed system bytes %d", ErrInvariantViolation, unmapped, sys))
	}
	return errs
}

// CheckExpensive walks every span reachable from the page map, in
// addition to Check's cheap tests, verifying that the page map and span
// store agree on span ownership and boundaries, and that no two free
// spans on the same freelist sit at adjacent addresses (spec.md §3/§8
// invariant 2). Its walk goes through pagemap.nextAfter, which scans every
// slot of every allocated pagemap leaf, so its cost grows with the mapped
// address range rather than with the number of spans alone.
func (h *Heap) CheckExpensive() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	errs := h.checkCheapLocked()
	var seen int
	p := PageID(0)
	for {
		next, ok := h.pm.nextAfter(p)
		if !ok {
			break
		}
		sp := h.pm.get(next)
		if sp == nil {
			p = next + 1
			continue
		}
		if next == sp.start {
			seen++
			if owner, ok := h.spans.lookupByStart(sp.start); !ok || owner != sp {
				errs = multierr.Append(errs, fmt.Errorf("%w: pagemap/spanstore disagree on owner of page %d", ErrInvariantViolation, sp.start))
			}
			if got := h.pm.get(sp.Last()); got != sp {
				errs = multierr.Append(errs, fmt.Errorf("%w: span [%d,%d) last-page mapping is wrong", ErrInvariantViolation, sp.start, sp.End()))
			}
			// spec.md §3/§8 invariant 2: two free spans on the same
			// freelist never sit at adjacent addresses (coalescing is
			// eager). Cross-location adjacency (Normal next to Returned)
			// is not checked here: checkAndHandlePreMerge deliberately
			// leaves that pair unmerged below
			// Config.PreMergeFragmentationPages.
			if sp.location != InUse && !sp.sample {
				if rb := h.pm.get(sp.End()); rb != nil && rb != sp && rb.location == sp.location && !rb.sample {
					errs = multierr.Append(errs, fmt.Errorf("%w: uncoalesced adjacent %s spans at pages %d and %d", ErrInvariantViolation, sp.location, sp.start, rb.start))
				}
			}
		}
		p = next + 1
	}
	if live := h.spans.liveCount(); live != seen {
		errs = multierr.Append(errs, fmt.Errorf("%w: span store has %d live descriptors but pagemap reaches %d", ErrInvariantViolation, live, seen))
	}
	return errs
}
