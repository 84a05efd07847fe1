package pageheap

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config configures a Heap, mirroring the teacher's Options/DefaultOptions
// pair (options.go) generalized from a byte-cache's shard/buffer knobs to
// a page heap's page-size/free-set/limit knobs.
type Config struct {
	// PageShift is log2 of the page size in bytes. Common values are 12
	// (4 KiB) and 13 (8 KiB), per spec.md §3.
	PageShift uint `yaml:"page_shift"`

	// MaxPages is kMaxPages: spans shorter than this are "small" and
	// live in the per-length array; spans at or above it are "large"
	// and live in the segregated bins (spec.md §4.4).
	MaxPages Length `yaml:"max_pages"`

	// MinSystemAllocPages is kMinSystemAlloc in pages: the minimum
	// growth request size (spec.md §4.4 step 4).
	MinSystemAllocPages Length `yaml:"min_system_alloc_pages"`

	// PreMergeFragmentationPages is the minimum size, in pages, a
	// Returned neighbor's length must exceed before CheckAndHandlePreMerge
	// will decommit a Normal span solely to merge into it (spec.md §9's
	// "more than one kMinSystemAlloc worth of fragmentation" open-question
	// resolution). This is deliberately its own knob rather than reusing
	// MinSystemAllocPages: a span carved from a single growth chunk always
	// leaves a leftover shorter than MinSystemAllocPages, so tying the
	// threshold to that field would mean the leftover could never clear
	// it and the single most common free path would never coalesce.
	PreMergeFragmentationPages Length `yaml:"pre_merge_fragmentation_pages"`

	// Limit is the soft user-settable byte limit on system_bytes
	// (spec.md §4.5). Zero means unlimited.
	Limit uint64 `yaml:"limit"`

	// PagemapBulkThresholdBytes is the cumulative system_bytes level past
	// which growFromOS one-shots a wide pagemap.ensure over the observed
	// address range instead of leaving every later growth to extend
	// pagemap leaves piecemeal (spec.md §4.1's "coarse one-shot
	// preallocation... to cut interior-node churn"). Zero disables it.
	PagemapBulkThresholdBytes uint64 `yaml:"pagemap_bulk_threshold_bytes"`

	// AggressiveDecommit toggles the eager-decommit-on-free policy
	// (spec.md §4.4).
	AggressiveDecommit bool `yaml:"aggressive_decommit"`

	// DefaultReleaseDelayPages/MaxReleaseDelayPages are the incremental
	// scavenger's counter reset values on success/failure respectively
	// (spec.md §4.4's "Incremental scavenger").
	DefaultReleaseDelayPages Length `yaml:"default_release_delay_pages"`
	MaxReleaseDelayPages     Length `yaml:"max_release_delay_pages"`

	// ScavengeInterval is an interval in milliseconds for the additional
	// background scavenger (scavenge.go, an addition beyond spec.md's
	// incremental one — see SPEC_FULL.md §9). NewHeap does not read it and
	// starts no scavenger; a Scavenger runs only when started with
	// NewScavenger.
	ScavengeInterval uint64 `yaml:"scavenge_interval_ms"`
}

// DefaultConfig mirrors spec.md's own constants: 4 KiB pages, kMaxPages
// = 128, a 1 MiB minimum system allocation, and the ~1 GiB/~4 GiB page
// counts spec.md §4.4 quotes for the release-delay counter.
var DefaultConfig = Config{
	PageShift:                  12,
	MaxPages:                   128,
	MinSystemAllocPages:        256,
	PreMergeFragmentationPages: 4,
	Limit:                      0,
	PagemapBulkThresholdBytes:  128 << 20, // spec.md §4.1's ≈128 MiB
	AggressiveDecommit:         false,
	DefaultReleaseDelayPages:   1 << 18, // ~1 GiB of 4 KiB pages
	MaxReleaseDelayPages:       1 << 20, // ~4 GiB of 4 KiB pages
	ScavengeInterval:           0,
}

// LoadConfig reads a YAML config file, applying DefaultConfig for any
// field the file omits.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) pageSize() uintptr { return uintptr(1) << c.PageShift }

func (c Config) pageSizeBytes() uint64 { return uint64(1) << c.PageShift }
