// Command pageheapbench measures New/Delete throughput against the
// in-memory Fake system allocator, mirroring the teacher's own
// benchmark/main.go: a standalone timing harness kept separate from the
// package's go test benchmarks so it can report allocs/sec without the
// testing package's own overhead skewing the numbers.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/vaporform/pageheap"
	"github.com/vaporform/pageheap/internal/sysmem"
)

func main() {
	ops := flag.Int("ops", 1_000_000, "number of New/Delete pairs to run")
	maxPages := flag.Uint64("max-span", 32, "max span length (pages) per allocation")
	capacityGiB := flag.Uint64("fake-capacity-gib", 8, "backing arena size for the fake allocator, in GiB")
	flag.Parse()

	debug.SetGCPercent(400)

	fake := sysmem.NewFake(uintptr(*capacityGiB) << 30)
	h := pageheap.NewHeap(pageheap.DefaultConfig, fake)

	rng := rand.New(rand.NewSource(1))
	spans := make([]*pageheap.Span, 0, *ops)

	start := time.Now()
	for i := 0; i < *ops; i++ {
		length := pageheap.Length(rng.Uint64()%(*maxPages) + 1)
		sp := h.New(length)
		if sp == nil {
			fmt.Printf("op %d: New(%d) failed, stopping early\n", i, length)
			break
		}
		spans = append(spans, sp)
	}
	allocElapsed := time.Since(start)

	start = time.Now()
	for _, sp := range spans {
		h.Delete(sp)
	}
	freeElapsed := time.Since(start)

	fmt.Printf("alloc: %d ops in %s (%.0f ops/sec)\n", len(spans), allocElapsed, float64(len(spans))/allocElapsed.Seconds())
	fmt.Printf("free:  %d ops in %s (%.0f ops/sec)\n", len(spans), freeElapsed, float64(len(spans))/freeElapsed.Seconds())

	stats := h.Stats()
	fmt.Printf("system=%d free=%d unmapped=%d reserve=%d commit=%d decommit=%d scavenge=%d\n",
		stats.SystemBytes, stats.FreeBytes, stats.UnmappedBytes,
		stats.ReserveCount, stats.CommitCount, stats.DecommitCount, stats.ScavengeCount)
}
