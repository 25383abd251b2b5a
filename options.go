package hlogstore

import "fmt"

// FlushMode controls when resident pages are pushed to the storage device
// (spec §6 configuration).
type FlushMode int

const (
	FlushNone FlushMode = iota
	FlushPeriodic
	FlushOnReadOnlyAdvance
)

// CheckpointMode controls whether checkpoints are only ever taken by an
// explicit Checkpoint() call, or additionally on a timer.
type CheckpointMode int

const (
	CheckpointManual CheckpointMode = iota
	CheckpointPeriodic
)

// GCMode controls whether the collector only runs when explicitly
// triggered, or automatically once a reclaimable-bytes threshold is
// crossed.
type GCMode int

const (
	GCManual GCMode = iota
	GCThreshold
)

// Options enumerates every configuration knob of spec §6, mirroring the
// teacher's flat Options struct with a DefaultOptions value rather than a
// builder or functional-options API.
type Options struct {
	// MemorySize is the total ring-buffer capacity in bytes; must be a
	// power of two times PageSize.
	MemorySize uint64
	// PageSize is the page granularity in bytes; must be a power of two.
	PageSize uint64
	// MutableFraction is the target size of [read_only, tail) as a share
	// of MemorySize.
	MutableFraction float64
	// ReadonlyFraction is the target size of [head, read_only).
	ReadonlyFraction float64
	// StoragePath is the directory for log segments and checkpoints.
	StoragePath string
	// FlushMode selects when resident pages are pushed to disk.
	FlushMode FlushMode
	// FlushInterval is used when FlushMode is FlushPeriodic.
	FlushInterval durationSeconds
	// CheckpointMode selects manual vs periodic checkpointing.
	CheckpointMode CheckpointMode
	// CheckpointInterval is used when CheckpointMode is CheckpointPeriodic.
	CheckpointInterval durationSeconds
	// GCMode selects manual vs threshold-triggered GC.
	GCMode GCMode
	// GCThresholdBytes is used when GCMode is GCThreshold: GC runs once at
	// least this many bytes are estimated reclaimable below read_only.
	GCThresholdBytes uint64
	// BackgroundWorkers must be positive and is the default for
	// CheckpointShards. It does not set how many background goroutines
	// run: startBackground starts one per enabled task regardless.
	BackgroundWorkers int
	// CheckpointShards is the number of index snapshot shards a
	// checkpoint writes (DESIGN.md open question 2); 0 defaults to
	// BackgroundWorkers.
	CheckpointShards int
	// RecoverOnOpen, when true (the default), runs checkpoint.Recover
	// during Open.
	RecoverOnOpen bool
	// CheckpointOnClose, when true, takes a final checkpoint during Close.
	CheckpointOnClose bool
}

// durationSeconds keeps Options free of a time import at the field level
// while still reading naturally as seconds in a config file loaded by
// cmd/hlogctl's viper binding.
type durationSeconds = int

// DefaultOptions returns sane defaults for local development and tests:
// a 64 MiB ring buffer, 4 MiB pages, manual checkpoint/GC.
func DefaultOptions(storagePath string) Options {
	return Options{
		MemorySize:        64 << 20,
		PageSize:          4 << 20,
		MutableFraction:   0.5,
		ReadonlyFraction:  0.25,
		StoragePath:       storagePath,
		FlushMode:         FlushOnReadOnlyAdvance,
		CheckpointMode:    CheckpointManual,
		GCMode:            GCManual,
		BackgroundWorkers: 2,
		RecoverOnOpen:     true,
	}
}

// checkOptions validates the fields the core cannot safely default,
// mirroring the teacher's checkOptions gate at the top of Open.
func checkOptions(o Options) error {
	if o.StoragePath == "" {
		return fmt.Errorf("hlogstore: StoragePath must not be empty")
	}
	if o.PageSize == 0 || o.PageSize&(o.PageSize-1) != 0 {
		return fmt.Errorf("hlogstore: PageSize must be a power of two, got %d", o.PageSize)
	}
	if o.MemorySize == 0 || o.MemorySize%o.PageSize != 0 {
		return fmt.Errorf("hlogstore: MemorySize must be a multiple of PageSize")
	}
	numPages := o.MemorySize / o.PageSize
	if numPages&(numPages-1) != 0 {
		return fmt.Errorf("hlogstore: MemorySize/PageSize must be a power of two, got %d", numPages)
	}
	if o.MutableFraction <= 0 || o.MutableFraction >= 1 {
		return fmt.Errorf("hlogstore: MutableFraction must be in (0, 1), got %f", o.MutableFraction)
	}
	if o.ReadonlyFraction <= 0 || o.ReadonlyFraction >= 1 {
		return fmt.Errorf("hlogstore: ReadonlyFraction must be in (0, 1), got %f", o.ReadonlyFraction)
	}
	if o.MutableFraction+o.ReadonlyFraction >= 1 {
		return fmt.Errorf("hlogstore: MutableFraction + ReadonlyFraction must be < 1")
	}
	if o.BackgroundWorkers <= 0 {
		return fmt.Errorf("hlogstore: BackgroundWorkers must be positive")
	}
	return nil
}
