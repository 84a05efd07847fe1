// Package pageheap implements a page-granularity memory heap: it hands
// out and reclaims runs of fixed-size pages backed by a pluggable
// SystemAllocator, coalescing adjacent free runs and tracking which
// pages are committed, decommitted, or in use.
package pageheap
