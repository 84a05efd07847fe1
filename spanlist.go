package pageheap

// spanList is a sentinel-rooted circular doubly-linked intrusive list of
// *Span, generalizing the mSpanList idiom mirrored across the corpus's
// runtime sources (e.g. JBossBC-gocore's memoryAlloc/mheap.go) to this
// module's Span type. Insertion and removal are both O(1); the sentinel
// (root) is never itself a valid span and is distinguished by having a
// zero start/length that no real span can have while linked.
type spanList struct {
	root Span // sentinel; root.next/root.prev are the real list ends
	len  int
}

func (l *spanList) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.len = 0
}

func (l *spanList) empty() bool {
	if l.root.next == nil {
		l.init()
	}
	return l.root.next == &l.root
}

// pushFront inserts s at the head of the list in O(1).
func (l *spanList) pushFront(s *Span) {
	if l.root.next == nil {
		l.init()
	}
	s.prev = &l.root
	s.next = l.root.next
	s.prev.next = s
	s.next.prev = s
	l.len++
}

// remove detaches s from whatever list it is linked into. s must be
// currently linked (its next/prev must be non-nil).
func (l *spanList) remove(s *Span) {
	s.prev.next = s.next
	s.next.prev = s.prev
	s.next = nil
	s.prev = nil
	l.len--
}

// popFront removes and returns the head of the list, or nil if empty.
func (l *spanList) popFront() *Span {
	if l.empty() {
		return nil
	}
	s := l.root.next
	l.remove(s)
	return s
}

// front returns the head of the list without removing it, or nil.
func (l *spanList) front() *Span {
	if l.empty() {
		return nil
	}
	return l.root.next
}

// length reports the number of spans currently linked.
func (l *spanList) length() int { return l.len }
