package pageheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLargeFreeSetFindSmallestGE(t *testing.T) {
	s := newLargeFreeSet()
	small := &Span{length: 100, location: Normal}
	mid := &Span{length: 200, location: Normal}
	big := &Span{length: 500, location: Normal}
	s.insert(big)
	s.insert(small)
	s.insert(mid)

	got := s.findSmallestGE(150)
	assert.Same(t, mid, got, "smallest span whose length is >= n must win, not the first inserted")
}

func TestLargeFreeSetPrefersNormalOverReturned(t *testing.T) {
	s := newLargeFreeSet()
	returned := &Span{length: 100, location: Returned}
	normal := &Span{length: 300, location: Normal}
	s.insert(returned)
	s.insert(normal)

	got := s.findSmallestGE(100)
	assert.Same(t, normal, got, "large-normal is searched before large-returned even when returned would be a tighter fit")
}

func TestLargeFreeSetFallsBackToReturned(t *testing.T) {
	s := newLargeFreeSet()
	returned := &Span{length: 100, location: Returned}
	s.insert(returned)

	got := s.findSmallestGE(50)
	assert.Same(t, returned, got)
}

func TestLargeFreeSetNoCandidate(t *testing.T) {
	s := newLargeFreeSet()
	s.insert(&Span{length: 100, location: Normal})
	assert.Nil(t, s.findSmallestGE(200))
}

func TestLargeBinSetPopLargestDrainsHighestLengthFirst(t *testing.T) {
	bs := newLargeBinSet()
	a := &Span{length: 100}
	b := &Span{length: 300}
	c := &Span{length: 200}
	bs.insert(a)
	bs.insert(b)
	bs.insert(c)

	assert.Same(t, b, bs.popLargest())
	assert.Same(t, c, bs.popLargest())
	assert.Same(t, a, bs.popLargest())
	assert.Nil(t, bs.popLargest())
}

func TestLargeFreeSetRemove(t *testing.T) {
	s := newLargeFreeSet()
	sp := &Span{length: 128, location: Normal}
	s.insert(sp)
	s.remove(sp)
	assert.True(t, s.normal.empty())
	assert.Nil(t, s.findSmallestGE(1))
}
