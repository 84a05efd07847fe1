package pageheap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaporform/pageheap/internal/sysmem"
)

func TestStatsSnapshotDerivesCommittedBytes(t *testing.T) {
	var s stats
	s.systemBytes.Store(1000)
	s.unmappedBytes.Store(400)

	snap := s.snapshot()
	assert.Equal(t, uint64(1000), snap.SystemBytes)
	assert.Equal(t, uint64(400), snap.UnmappedBytes)
	assert.Equal(t, uint64(600), snap.CommittedBytes)
}

func TestHeapDumpStatsIsValidJSON(t *testing.T) {
	fake := sysmem.NewFake(16 << 20)
	h := NewHeap(testConfig(), fake)
	sp := h.New(4)
	require.NotNil(t, sp)
	h.Delete(sp)

	out, err := h.DumpStats()
	require.NoError(t, err)

	var snap StatsSnapshot
	require.NoError(t, json.Unmarshal(out, &snap))
	assert.Equal(t, uint64(1), snap.AllocCount)
	assert.Equal(t, uint64(1), snap.FreeCount)
}
