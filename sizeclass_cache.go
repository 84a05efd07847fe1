package pageheap

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
	"go.uber.org/atomic"
)

// sizeClassCacheSize is the number of direct-mapped slots. A power of two
// keeps the index a mask instead of a modulo.
const sizeClassCacheSize = 1 << 14

// sizeClassCache is a small, best-effort, lock-free direct-mapped cache
// from PageID to size-class id, mirroring the teacher's hash-indexed
// shard selection (cache.go's xxh3.HashString(strKey) & c.mask) applied
// to page numbers instead of string keys. A miss (or a hash collision
// aliasing two different pages onto the same slot) simply falls back to
// the pagemap; the cache is advisory, never authoritative (spec.md §4.2).
type sizeClassCache struct {
	slots [sizeClassCacheSize]atomic.Uint64
}

// slot packs the owning page's low 56 bits with an 8-bit class id so a
// collision between two pages that hash to the same index is detected
// instead of silently returning the wrong class.
func packSlot(p PageID, class uint8) uint64 {
	return (uint64(p) << 8) | uint64(class)
}

func unpackSlot(v uint64) (p PageID, class uint8) {
	return PageID(v >> 8), uint8(v)
}

func (c *sizeClassCache) index(p PageID) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(p))
	return xxh3.Hash(buf[:]) & (sizeClassCacheSize - 1)
}

// tryGet returns (class, true) only if the slot is populated for exactly
// this page. It never blocks and never touches the heap lock.
func (c *sizeClassCache) tryGet(p PageID) (uint8, bool) {
	v := c.slots[c.index(p)].Load()
	if v == 0 {
		return 0, false
	}
	owner, class := unpackSlot(v)
	if owner != p || class == 0 {
		return 0, false
	}
	return class, true
}

// set populates the cache for page p. Called under the heap lock.
func (c *sizeClassCache) set(p PageID, class uint8) {
	c.slots[c.index(p)].Store(packSlot(p, class))
}

// invalidate clears whatever slot page p currently maps to, used whenever
// a span's location changes in a way that could stale a cached class
// (spec.md §4.2: "invalidated on any span state change that affects
// interior pages").
func (c *sizeClassCache) invalidate(p PageID) {
	c.slots[c.index(p)].Store(0)
}

// invalidateRange invalidates every page in [start, start+n).
func (c *sizeClassCache) invalidateRange(start PageID, n Length) {
	for i := PageID(0); i < PageID(n); i++ {
		c.invalidate(start + i)
	}
}
