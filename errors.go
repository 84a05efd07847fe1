package pageheap

import "errors"

// Error taxonomy (spec.md §7). Client-facing allocation operations never
// return these directly — New returns a nil *Span on failure, and Split
// panics on invalid arguments and otherwise cannot fail — but internal
// callers and Check/CheckExpensive surface them.
var (
	// ErrOutOfMemory means the system allocator's growth call failed, or
	// pagemap interior allocation failed.
	ErrOutOfMemory = errors.New("pageheap: out of memory")

	// ErrMemoryLimit means prospective growth would exceed Config.Limit.
	ErrMemoryLimit = errors.New("pageheap: memory limit exceeded")

	// ErrCommitFailed/ErrDecommitFailed are reported to internal callers
	// and recovered locally: a failed commit aborts the carve that
	// needed it, a failed decommit re-inserts the span into the normal
	// free structure unchanged.
	ErrCommitFailed   = errors.New("pageheap: commit failed")
	ErrDecommitFailed = errors.New("pageheap: decommit failed")

	// ErrInvariantViolation is only ever returned from Check/CheckExpensive.
	ErrInvariantViolation = errors.New("pageheap: invariant violation")
)
