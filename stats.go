package pageheap

import (
	"github.com/bytedance/sonic"
	"go.uber.org/atomic"
)

// stats holds the heap's running counters, mirroring the teacher's
// per-bucket CacheStat (stat.go) aggregated under the heap lock instead
// of per-shard locks (this module has a single lock, spec.md §5).
type stats struct {
	systemBytes    atomic.Uint64
	freeBytes      atomic.Uint64
	unmappedBytes  atomic.Uint64
	commitCount    atomic.Uint64
	decommitCount  atomic.Uint64
	reserveCount   atomic.Uint64
	scavengeCount  atomic.Uint64
	allocCount     atomic.Uint64
	freeCount      atomic.Uint64
}

// StatsSnapshot is a point-in-time, lock-free-to-read copy of stats,
// returned by Heap.Stats (spec.md §4.5: "authoritative reads are taken
// under the heap lock", i.e. by the snapshot method, not by racing on
// the live counters directly).
type StatsSnapshot struct {
	SystemBytes    uint64 `json:"system_bytes"`
	FreeBytes      uint64 `json:"free_bytes"`
	UnmappedBytes  uint64 `json:"unmapped_bytes"`
	CommittedBytes uint64 `json:"committed_bytes"`
	CommitCount    uint64 `json:"commit_count"`
	DecommitCount  uint64 `json:"decommit_count"`
	ReserveCount   uint64 `json:"reserve_count"`
	ScavengeCount  uint64 `json:"scavenge_count"`
	AllocCount     uint64 `json:"alloc_count"`
	FreeCount      uint64 `json:"free_count"`
}

func (s *stats) snapshot() StatsSnapshot {
	sys := s.systemBytes.Load()
	unmapped := s.unmappedBytes.Load()
	return StatsSnapshot{
		SystemBytes:    sys,
		FreeBytes:      s.freeBytes.Load(),
		UnmappedBytes:  unmapped,
		CommittedBytes: sys - unmapped,
		CommitCount:    s.commitCount.Load(),
		DecommitCount:  s.decommitCount.Load(),
		ReserveCount:   s.reserveCount.Load(),
		ScavengeCount:  s.scavengeCount.Load(),
		AllocCount:     s.allocCount.Load(),
		FreeCount:      s.freeCount.Load(),
	}
}

// DumpStats returns a JSON encoding of the current stats snapshot, using
// the teacher's declared-but-latent JSON encoder (sonic) for external
// introspection tooling (cmd/pageheapdemo).
func (h *Heap) DumpStats() ([]byte, error) {
	return sonic.Marshal(h.Stats())
}
