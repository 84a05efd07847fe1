// Command pageheapdemo exercises a Heap with a scripted sequence of
// allocations and frees and prints its stats, mirroring the teacher's
// own example/main.go: a small flag-driven program built directly
// against the library rather than a test harness.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/vaporform/pageheap"
	"github.com/vaporform/pageheap/internal/sysmem"
)

func main() {
	n := flag.Int("n", 10000, "number of alloc/free cycles to run")
	maxPages := flag.Uint64("max-span", 64, "max span length (pages) to request per cycle")
	aggressive := flag.Bool("aggressive-decommit", false, "enable aggressive decommit")
	seed := flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
	flag.Parse()

	cfg := pageheap.DefaultConfig
	h := pageheap.NewHeap(cfg, sysmem.OS{})
	h.SetAggressiveDecommit(*aggressive)

	rng := rand.New(rand.NewSource(*seed))
	live := make([]*pageheap.Span, 0, *n)

	for i := 0; i < *n; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			idx := rng.Intn(len(live))
			h.Delete(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}
		length := pageheap.Length(rng.Uint64()%(*maxPages) + 1)
		sp := h.New(length)
		if sp == nil {
			log.Printf("cycle %d: New(%d) failed", i, length)
			continue
		}
		live = append(live, sp)
	}

	for _, sp := range live {
		h.Delete(sp)
	}

	if err := h.CheckExpensive(); err != nil {
		log.Fatalf("invariant violation after run: %v", err)
	}

	out, err := h.DumpStats()
	if err != nil {
		log.Fatalf("dump stats: %v", err)
	}
	fmt.Println(string(out))
}
