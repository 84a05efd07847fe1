package pageheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpanListPushPopOrder(t *testing.T) {
	var l spanList
	a := &Span{start: 1}
	b := &Span{start: 2}
	l.pushFront(a)
	l.pushFront(b)

	assert.Equal(t, 2, l.length())
	assert.Same(t, b, l.front())
	assert.Same(t, b, l.popFront())
	assert.Same(t, a, l.popFront())
	assert.True(t, l.empty())
	assert.Nil(t, l.popFront())
}

func TestSpanListRemoveMiddle(t *testing.T) {
	var l spanList
	a, b, c := &Span{start: 1}, &Span{start: 2}, &Span{start: 3}
	l.pushFront(a)
	l.pushFront(b)
	l.pushFront(c)

	l.remove(b)
	assert.Equal(t, 2, l.length())
	assert.Same(t, c, l.popFront())
	assert.Same(t, a, l.popFront())
}

func TestSpanListZeroValueUsable(t *testing.T) {
	var l spanList
	assert.True(t, l.empty())
	assert.Nil(t, l.front())
}
