// Package gc implements the garbage collector of spec §4.6: advancing
// begin_address to reclaim a disk prefix once no index entry references an
// address below the new boundary, migrating any still-live record forward
// first.
package gc

import (
	"context"
	"fmt"

	"hlogstore/epoch"
	"hlogstore/hlog"
	"hlogstore/index"
	"hlogstore/logging"
	"hlogstore/record"
)

// Collector runs one GC pass at a time; the root Store's background
// scheduler is responsible for not overlapping two Run calls.
type Collector struct {
	log    *hlog.Log
	idx    index.Index
	mgr    *epoch.Manager
	logger *logging.Logger
}

// New builds a Collector operating against log and idx.
func New(log *hlog.Log, idx index.Index, mgr *epoch.Manager, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Collector{log: log, idx: idx, mgr: mgr, logger: logger}
}

// Result summarizes one GC pass for Stats().
type Result struct {
	NewBegin     uint64
	Migrated     int
	Removed      int
	BytesTruncated uint64
}

// Run executes spec §4.6's protocol once: pick new_begin, scan the index
// for entries below it (migrating live records forward or removing stale
// ones), then CAS begin_address forward and truncate the device.
// checkpointTail is the most recent checkpoint's frozen T (0 if none yet
// taken), matching "new_begin = min(most_recent_checkpoint.tail,
// read_only_address)".
func (c *Collector) Run(ctx context.Context, checkpointTail uint64) (Result, error) {
	readOnly := c.log.ReadOnlyAddress()
	newBegin := readOnly
	if checkpointTail != 0 && checkpointTail < newBegin {
		newBegin = checkpointTail
	}
	oldBegin := c.log.BeginAddress()
	if newBegin <= oldBegin {
		return Result{NewBegin: oldBegin}, nil
	}

	res := Result{NewBegin: newBegin}

	staged := index.NewStaging()
	c.idx.Range(func(keyHash uint64, tag uint16, addr index.Address) bool {
		if addr < newBegin {
			staged.Put(keyHash, tag, addr)
		}
		return true
	})

	var migrateErr error
	staged.Each(func(keyHash uint64, tag uint16, addr index.Address) {
		if migrateErr != nil {
			return
		}
		guard := c.mgr.Protect()
		defer func() { guard.Unprotect() }()

		live, err := c.log.Get(ctx, addr)
		if err != nil {
			migrateErr = fmt.Errorf("gc: read %d: %w", addr, err)
			return
		}
		if live.Tombstone() {
			if c.idx.Remove(keyHash, tag, func(a index.Address) bool { return a == addr }) {
				res.Removed++
			}
			return
		}

		newAddr, newGuard, err := c.migrate(ctx, live, addr, guard)
		guard = newGuard
		if err != nil {
			migrateErr = fmt.Errorf("gc: migrate %d: %w", addr, err)
			return
		}
		outcome := c.idx.InsertOrUpdate(keyHash, tag, newAddr, addr, func(a index.Address) bool { return a == addr })
		if outcome == index.Retry {
			// Someone else updated this key concurrently; the newly
			// appended copy at newAddr is simply orphaned and will be
			// reclaimed by a future GC pass once its own address falls
			// below some later begin advance.
			return
		}
		res.Migrated++
	})
	if migrateErr != nil {
		return Result{}, migrateErr
	}

	advanced, err := c.log.AdvanceBegin(ctx, newBegin)
	if err != nil {
		return Result{}, fmt.Errorf("gc: advance begin: %w", err)
	}
	// AdvanceBegin never moves begin past head, so report where it landed.
	res.NewBegin = c.log.BeginAddress()
	if advanced {
		res.BytesTruncated = res.NewBegin - oldBegin
		c.logger.Infof("gc: begin advanced %d -> %d (migrated=%d removed=%d)", oldBegin, res.NewBegin, res.Migrated, res.Removed)
	}
	return res, nil
}

// migrate appends a copy of live at the current tail so its address moves
// above the region about to be reclaimed, preserving the previous_version
// chain by pointing the new copy at the record's own former address.
func (c *Collector) migrate(ctx context.Context, live *record.Record, oldAddr index.Address, guard *epoch.Guard) (index.Address, *epoch.Guard, error) {
	copyRec := record.New(live.Key, live.Value, oldAddr)
	buf := record.Encode(copyRec)
	newAddr, dst, guard, err := c.log.Allocate(ctx, uint32(len(buf)), guard)
	if err != nil {
		return 0, guard, err
	}
	copy(dst, buf)
	return newAddr, guard, nil
}
