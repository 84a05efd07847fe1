package pageheap

// SystemAllocator is the page heap's only collaborator for actual memory:
// it reserves raw address ranges and toggles their physical backing. The
// system allocator itself is out of scope for this module (spec.md §1);
// only this interface, consumed by Heap, lives here. See
// internal/sysmem for the shipped implementations (OS-backed and a
// deterministic test fake).
type SystemAllocator interface {
	// Alloc reserves at least bytes of address space, aligned to
	// alignment, and returns the actual base and size obtained. Alloc
	// may return more than requested (e.g. to satisfy alignment); it
	// never returns less.
	Alloc(bytes uintptr, alignment uintptr) (base uintptr, actual uintptr, err error)

	// Commit ensures [addr, addr+bytes) is backed by physical memory.
	Commit(addr, bytes uintptr) error

	// Decommit releases the physical backing of [addr, addr+bytes)
	// while keeping the address range reserved.
	Decommit(addr, bytes uintptr) error

	// Release is a purely advisory hint that [addr, addr+bytes) is not
	// needed soon, for systems without a dedicated decommit call.
	Release(addr, bytes uintptr)
}
