package sysmem

import (
	"fmt"
	"sync"
)

// Fake is a deterministic, syscall-free SystemAllocator backed by a
// single large Go byte slice plus a commit bitmap. It never touches real
// page permissions, so unit tests can run without elevated privileges or
// platform-specific behavior — mirroring the teacher's own preference
// for exercising real code paths against plain Go structures in tests
// rather than mocks (bucket_test.go, arena_test.go construct a
// bucket/arena directly).
type Fake struct {
	mu        sync.Mutex
	arena     []byte
	next      uintptr
	committed map[uintptr]bool // per fake "page" (fakePageSize granularity)

	// FailAlloc/FailCommit/FailDecommit let tests force specific error
	// paths (spec.md §7/§8's commit/decommit failure scenarios).
	FailAlloc    bool
	FailCommit   bool
	FailDecommit bool
}

const fakePageSize = 4096

// NewFake returns a Fake with capacity bytes of backing arena.
func NewFake(capacity uintptr) *Fake {
	return &Fake{
		arena:     make([]byte, capacity),
		committed: make(map[uintptr]bool),
	}
}

func (f *Fake) Alloc(bytes uintptr, alignment uintptr) (uintptr, uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailAlloc {
		return 0, 0, fmt.Errorf("sysmem/fake: forced alloc failure")
	}
	if alignment == 0 {
		alignment = 1
	}
	base := (f.next + alignment - 1) &^ (alignment - 1)
	if base+bytes > uintptr(len(f.arena)) {
		return 0, 0, fmt.Errorf("sysmem/fake: arena exhausted (want %d at %d, capacity %d)", bytes, base, len(f.arena))
	}
	f.next = base + bytes
	return base, bytes, nil
}

func (f *Fake) Commit(addr, bytes uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCommit {
		return fmt.Errorf("sysmem/fake: forced commit failure")
	}
	for p := alignDown(addr); p < addr+bytes; p += fakePageSize {
		f.committed[p] = true
	}
	return nil
}

func (f *Fake) Decommit(addr, bytes uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDecommit {
		return fmt.Errorf("sysmem/fake: forced decommit failure")
	}
	for p := alignDown(addr); p < addr+bytes; p += fakePageSize {
		delete(f.committed, p)
	}
	return nil
}

func (f *Fake) Release(addr, bytes uintptr) {
	_ = f.Decommit(addr, bytes)
}

// IsCommitted reports whether every fake page in [addr, addr+bytes) is
// currently committed, for test assertions.
func (f *Fake) IsCommitted(addr, bytes uintptr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := alignDown(addr); p < addr+bytes; p += fakePageSize {
		if !f.committed[p] {
			return false
		}
	}
	return true
}

func alignDown(addr uintptr) uintptr {
	return addr &^ (fakePageSize - 1)
}
