package hlogstore

import (
	"hlogstore/checkpoint"
	"hlogstore/hlog"
)

// PageStateHistogram counts resident pages by state, useful for
// diagnosing a store that is not evicting fast enough.
type PageStateHistogram struct {
	Unallocated int
	Allocated   int
	Flushed     int
	Closed      int
	Evicting    int
	Free        int
}

// StatsSnapshot is the concrete counters struct returned by Store.Stats()
// (SPEC_FULL.md §6.4: "a concrete snapshot struct, not just a snapshot of
// counters").
type StatsSnapshot struct {
	KeyCount int

	BeginAddress    uint64
	HeadAddress     uint64
	ReadOnlyAddress uint64
	TailAddress     uint64

	Upserts  int64
	Reads    int64
	Deletes  int64
	Rmws     int64
	NotFound int64

	PageEvictions int64
	PageFlushes   int64

	CheckpointState        checkpoint.State
	CheckpointsTaken       int64
	LastCheckpointToken    string
	LastCheckpointDuration int64 // nanoseconds

	GCRuns           int64
	GCBytesReclaimed int64

	// DiskBytes is the total size of the segment files and checkpoint
	// artifacts currently on disk under StoragePath.
	DiskBytes int64

	// DiskFreeBytes is the free space remaining on the filesystem backing
	// StoragePath, useful for alerting before a device fills up.
	DiskFreeBytes uint64

	// Pages is a histogram of resident ring-buffer slots by lifecycle
	// state, useful for diagnosing a store that is not evicting fast
	// enough.
	Pages PageStateHistogram

	// BackgroundError is the most recent error observed by a background
	// task, or nil if none. Foreground writes fail fast with this error
	// once set (spec §7's shared status channel).
	BackgroundError error
}

func newPageStateHistogram(counts map[hlog.PageState]int) PageStateHistogram {
	return PageStateHistogram{
		Unallocated: counts[hlog.PageUnallocated],
		Allocated:   counts[hlog.PageAllocated],
		Flushed:     counts[hlog.PageFlushed],
		Closed:      counts[hlog.PageClosed],
		Evicting:    counts[hlog.PageEvicting],
		Free:        counts[hlog.PageFree],
	}
}
