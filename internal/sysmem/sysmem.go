// Package sysmem provides SystemAllocator implementations for
// github.com/vaporform/pageheap: an OS-backed allocator for real growth
// and commit/decommit, and a deterministic in-memory fake for tests.
//
// Grounded on the mmap-based reservation lifecycle mirrored across the
// corpus's runtime sources (golang.org/x/sys/unix-driven page reservation
// as seen in gVisor's pgalloc.go and the syscall package mirrored in
// CongLeSolutionX-go_community), generalized to the four-call
// reserve/commit/decommit/release contract the page heap consumes.
package sysmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// OS reserves address space with mmap(PROT_NONE) and toggles physical
// backing with mprotect/madvise, the same primitives TCMalloc's own
// SysAllocator uses on POSIX systems.
type OS struct{}

// Alloc reserves at least bytes of anonymous address space. Requested
// alignment beyond the OS page size is satisfied by over-reserving by
// alignment bytes and returning the first aligned address, since mmap
// itself has no alignment parameter; the unused slack stays mapped.
func (OS) Alloc(bytes uintptr, alignment uintptr) (uintptr, uintptr, error) {
	if alignment == 0 {
		alignment = 1
	}
	req := bytes + alignment
	b, err := unix.Mmap(-1, 0, int(req), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, 0, fmt.Errorf("sysmem: mmap %d bytes: %w", req, err)
	}
	base := uintptr(unsafePointer(b))
	aligned := (base + alignment - 1) &^ (alignment - 1)
	return aligned, bytes, nil
}

// Commit marks [addr, addr+bytes) readable/writable.
func (OS) Commit(addr, bytes uintptr) error {
	b := sliceAt(addr, bytes)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("sysmem: mprotect commit: %w", err)
	}
	return nil
}

// Decommit removes physical backing via madvise(DONTNEED) and marks the
// range inaccessible again so a stray read after decommit faults instead
// of silently succeeding.
func (OS) Decommit(addr, bytes uintptr) error {
	b := sliceAt(addr, bytes)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("sysmem: madvise dontneed: %w", err)
	}
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return fmt.Errorf("sysmem: mprotect decommit: %w", err)
	}
	return nil
}

// Release is advisory: it asks the OS to reclaim pages lazily without
// changing protection, for platforms where an explicit decommit already
// happened and this is just a hint.
func (OS) Release(addr, bytes uintptr) {
	_ = unix.Madvise(sliceAt(addr, bytes), unix.MADV_FREE)
}

// unsafePointer returns the address of a byte slice's backing array.
func unsafePointer(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// sliceAt reconstructs a []byte view over an already-mapped range so it
// can be passed to unix.Mprotect/Madvise, which take []byte rather than
// raw addresses.
func sliceAt(addr, bytes uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(bytes))
}
