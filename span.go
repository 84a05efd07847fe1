package pageheap

// Location is the free-list state of a span. A span is either handed out
// to a caller or sitting on exactly one of the two free structures.
type Location uint8

const (
	// InUse means the span was returned by New or Split and has not been
	// deallocated yet.
	InUse Location = iota
	// Normal means the span is free and its pages are committed.
	Normal
	// Returned means the span is free, its address range is reserved,
	// but its physical pages have been decommitted.
	Returned
)

func (l Location) String() string {
	switch l {
	case InUse:
		return "in-use"
	case Normal:
		return "normal"
	case Returned:
		return "returned"
	default:
		return "unknown"
	}
}

// Span describes a contiguous run of pages. Spans are owned by the heap:
// client code holds a *Span while it is InUse but never allocates or frees
// the descriptor itself — that is the Span Store's job (spanstore.go).
type Span struct {
	start  PageID
	length Length

	location  Location
	sizeclass uint8
	sample    bool

	// Intrusive linkage, shared by the small-free sentinel lists and the
	// large-free segregated bins (spanlist.go). A span's own next/prev
	// pointers double as spec.md's "multiset iterator handle": removal
	// from whichever free structure holds it is O(1) directly off the
	// Span reference, no separate index needed. Unused (nil) while the
	// span is InUse.
	next, prev *Span

	// store is this span's slot index in the owning Span Store, used by
	// retire to release the descriptor back to the free list in O(1).
	store uint32
}

// Start returns the span's first page.
func (s *Span) Start() PageID { return s.start }

// Length returns the span's page count.
func (s *Span) Length() Length { return s.length }

// End returns the page one past the span's last page.
func (s *Span) End() PageID { return s.start + PageID(s.length) }

// Last returns the span's last page.
func (s *Span) Last() PageID { return s.start + PageID(s.length) - 1 }

// GetLocation returns the span's current free-list state.
func (s *Span) GetLocation() Location { return s.location }

// SizeClass returns the size-class carved into this span, or 0 if the
// span has not been carved (spec.md §3: "sizeclass: 0 if not carved").
func (s *Span) SizeClass() uint8 { return s.sizeclass }

// Sample reports whether a sampled allocation lives in this span. The
// sampled-allocation stack-trace collector itself is an external
// collaborator (spec.md §1); this module only carries the flag.
func (s *Span) Sample() bool { return s.sample }

// MarkSample flags this span as containing a sampled allocation. Sampled
// spans are never coalesced (spec.md §4.4, coalescability rule (b)).
func (s *Span) MarkSample(v bool) { s.sample = v }
