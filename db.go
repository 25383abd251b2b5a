// Package hlogstore is a FASTER-style hybrid-log key-value store core:
// lock-free point reads and append writes, in-place update of hot
// records, non-blocking checkpoints, and background garbage collection of
// an obsolete log prefix. See the component packages (epoch, device,
// record, hlog, index, checkpoint, gc) for the pieces this file wires
// together.
package hlogstore

import (
	"context"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/flock"

	"hlogstore/checkpoint"
	"hlogstore/device"
	"hlogstore/epoch"
	"hlogstore/gc"
	"hlogstore/hlog"
	"hlogstore/index"
	"hlogstore/logging"
	"hlogstore/metrics"
	"hlogstore/record"
	"hlogstore/utils"
)

const fileLockName = "flock"

// Store is the top-level orchestrator: it owns the four region boundaries
// and ring buffer (via hlog.Log), the hash index, a storage device, an
// epoch manager, a background scheduler, a metrics registry, and a
// logger, and implements the open/close/upsert/read/delete/rmw/
// checkpoint/recover/stats surface of spec §6.
type Store struct {
	opts   Options
	logger *logging.Logger

	fileLock *flock.Flock
	dev      *device.FileDevice
	log      *hlog.Log
	idx      *index.HashIndex
	epochMgr *epoch.Manager
	ckpt     *checkpoint.Engine
	gcEng    *gc.Collector
	metrics  *metrics.Registry

	// mu is not locked by any method: Close is guarded by the closed flag,
	// and recovery runs inside Open before the background scheduler starts.
	mu sync.RWMutex

	closed atomic.Bool
	bgDone chan struct{}
	bgWG   sync.WaitGroup

	// bgStatus is the shared status channel of spec §7: capacity 1,
	// latest-error-wins. Foreground writes do not read it; they consult
	// lastErr, which is set alongside it.
	bgStatus chan error
	lastErr  atomic.Pointer[error]

	lastCheckpointToken atomic.Pointer[string]
	lastCheckpointTail  atomic.Uint64
	lastCheckpointNanos atomic.Int64
}

func keyHash(key []byte) uint64 { return xxhash.Sum64(key) }

// Open validates options, acquires an exclusive directory lock, opens (or
// creates) the storage device, builds the log/index/epoch manager, runs
// recovery, and starts the background scheduler. Grounded on the
// teacher's Open (validate → lock → load-or-init → construct → background
// loop) generalized from a single active append file to hlog's ring
// buffer plus checkpoint-based recovery.
func Open(opts Options) (*Store, error) {
	if err := checkOptions(opts); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("hlogstore: create storage path: %w", err)
	}

	fileLock := flock.New(filepath.Join(opts.StoragePath, fileLockName))
	held, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("hlogstore: acquire directory lock: %w", err)
	}
	if !held {
		return nil, ErrDatabaseIsUsing
	}

	logger := logging.Default().Named("hlogstore")

	dev, err := device.Open(opts.StoragePath, int64(opts.PageSize), logger.Named("device"))
	if err != nil {
		fileLock.Unlock()
		return nil, &IOError{Op: "open device", Err: err}
	}

	mgr := epoch.New()
	numPages := opts.MemorySize / opts.PageSize
	log, err := hlog.New(hlog.Config{
		PageSize:         opts.PageSize,
		NumPages:         numPages,
		MutableFraction:  opts.MutableFraction,
		ReadonlyFraction: opts.ReadonlyFraction,
	}, dev, mgr, logger.Named("hlog"))
	if err != nil {
		dev.Close()
		fileLock.Unlock()
		return nil, err
	}

	tableBits := uint(bits.Len64(numPages)) + 4
	idx := index.NewHashIndex(tableBits)

	shards := opts.CheckpointShards
	if shards <= 0 {
		shards = opts.BackgroundWorkers
	}
	ckpt := checkpoint.New(opts.StoragePath, log, idx, shards, logger.Named("checkpoint"))
	gcEng := gc.New(log, idx, mgr, logger.Named("gc"))
	reg := metrics.New()

	s := &Store{
		opts:     opts,
		logger:   logger,
		fileLock: fileLock,
		dev:      dev,
		log:      log,
		idx:      idx,
		epochMgr: mgr,
		ckpt:     ckpt,
		gcEng:    gcEng,
		metrics:  reg,
		bgDone:   make(chan struct{}),
		bgStatus: make(chan error, 1),
	}

	if opts.RecoverOnOpen {
		found, desc, err := checkpoint.Recover(context.Background(), opts.StoragePath, log, idx, logger.Named("recover"))
		if err != nil {
			dev.Close()
			fileLock.Unlock()
			return nil, &CorruptError{File: opts.StoragePath, Err: err}
		}
		if found {
			token := desc.Token
			s.lastCheckpointToken.Store(&token)
			s.lastCheckpointTail.Store(desc.Tail)
		}
	}

	s.startBackground()
	return s, nil
}

// Close signals the background scheduler to stop, awaits it, takes a
// final checkpoint if configured, flushes the device, and releases the
// directory lock. Grounded on the teacher's Close (flush active file,
// sync, unlock).
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.bgDone)
	s.bgWG.Wait()

	if s.opts.CheckpointOnClose {
		// Checkpoint() would refuse with ErrClosed now; call the engine directly.
		if _, err := s.ckpt.Run(context.Background()); err != nil {
			s.logger.Errorf("close: final checkpoint failed: %v", err)
		}
	}

	if err := s.dev.Close(); err != nil {
		s.logger.Errorf("close: device close: %v", err)
	}
	if err := s.fileLock.Unlock(); err != nil {
		s.logger.Errorf("close: unlock: %v", err)
	}
	return nil
}

// checkBackgroundError implements spec §7's propagation policy: a
// foreground write fails fast once a background task has recorded an
// error.
func (s *Store) checkBackgroundError() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Store) recordBackgroundError(err error) {
	s.lastErr.Store(&err)
	select {
	case s.bgStatus <- err:
	default:
		select {
		case <-s.bgStatus:
		default:
		}
		s.bgStatus <- err
	}
}

// Upsert writes value for key, appending a new record and CAS-installing
// its address in the index (spec §6 upsert).
func (s *Store) Upsert(ctx context.Context, key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	if err := s.checkBackgroundError(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	guard := s.epochMgr.Protect()
	defer func() { guard.Unprotect() }()

	h := keyHash(key)
	tag := index.Tag(h)

	for {
		expected, found := s.idx.Find(h, tag, s.verifyKey(key))

		// Try in-place update first (spec §4.3.4): if the current version
		// still lives in the mutable region and the new value is exactly
		// the same length, overwrite it without an append or index CAS.
		if found {
			if buf, ok := s.log.MutableBuffer(expected); ok && record.TryUpdateInPlace(buf, value) {
				s.metrics.Upserts.Inc(1)
				return nil
			}
		}

		rec := record.New(key, value, expected)
		buf := record.Encode(rec)
		if len(buf) > int(s.opts.PageSize) {
			return ErrRecordTooLarge
		}
		addr, dst, newGuard, err := s.log.Allocate(ctx, uint32(len(buf)), guard)
		guard = newGuard
		if err != nil {
			return classifyIOErr(ctx, "upsert", err)
		}
		copy(dst, buf)

		outcome := s.idx.InsertOrUpdate(h, tag, addr, expected, s.verifyKey(key))
		if outcome == index.Retry {
			continue
		}
		s.metrics.Upserts.Inc(1)
		return nil
	}
}

// Read returns the value for key, or ErrKeyNotFound if absent or
// tombstoned (spec §6 read).
func (s *Store) Read(ctx context.Context, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyIsEmpty
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	guard := s.epochMgr.Protect()
	defer guard.Unprotect()

	h := keyHash(key)
	tag := index.Tag(h)
	addr, ok := s.idx.Find(h, tag, s.verifyKey(key))
	if !ok {
		s.metrics.NotFound.Inc(1)
		return nil, ErrKeyNotFound
	}

	rec, err := s.log.Get(ctx, addr)
	if err != nil {
		return nil, classifyIOErr(ctx, "read", err)
	}
	s.metrics.Reads.Inc(1)
	if rec.Tombstone() {
		s.metrics.NotFound.Inc(1)
		return nil, ErrKeyNotFound
	}
	return rec.Value, nil
}

// Delete appends a tombstone record for key (spec §6 delete).
func (s *Store) Delete(ctx context.Context, key []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	if err := s.checkBackgroundError(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	guard := s.epochMgr.Protect()
	defer func() { guard.Unprotect() }()

	h := keyHash(key)
	tag := index.Tag(h)

	for {
		expected, found := s.idx.Find(h, tag, s.verifyKey(key))
		if !found {
			return nil
		}

		rec := record.NewTombstone(key, expected)
		buf := record.Encode(rec)
		addr, dst, newGuard, err := s.log.Allocate(ctx, uint32(len(buf)), guard)
		guard = newGuard
		if err != nil {
			return classifyIOErr(ctx, "delete", err)
		}
		copy(dst, buf)

		outcome := s.idx.InsertOrUpdate(h, tag, addr, expected, s.verifyKey(key))
		if outcome == index.Retry {
			continue
		}
		s.metrics.Deletes.Inc(1)
		return nil
	}
}

// Mutator is a pure function used by Rmw: given the current value (or nil
// if the key is absent or tombstoned), it returns the new value to write.
type Mutator func(current []byte) []byte

// Rmw performs a read-modify-write against key: it reads the current
// value (nil if absent), applies mutate, and CAS-installs the result,
// retrying if a concurrent writer raced ahead (spec §6 rmw).
func (s *Store) Rmw(ctx context.Context, key []byte, mutate Mutator) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	if err := s.checkBackgroundError(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	guard := s.epochMgr.Protect()
	defer func() { guard.Unprotect() }()

	h := keyHash(key)
	tag := index.Tag(h)

	for {
		expected, found := s.idx.Find(h, tag, s.verifyKey(key))
		var current []byte
		var tombstoned bool
		if found {
			rec, err := s.log.Get(ctx, expected)
			if err != nil {
				return classifyIOErr(ctx, "rmw", err)
			}
			tombstoned = rec.Tombstone()
			if !tombstoned {
				current = rec.Value
			}
		}

		newValue := mutate(current)

		// Try in-place update first (spec §4.3.4): a mutator that returns a
		// same-length result on a record still in the mutable region never
		// needs to append.
		if found && !tombstoned {
			if buf, ok := s.log.MutableBuffer(expected); ok && record.TryUpdateInPlace(buf, newValue) {
				s.metrics.Rmws.Inc(1)
				return nil
			}
		}

		rec := record.New(key, newValue, expected)
		buf := record.Encode(rec)
		addr, dst, newGuard, err := s.log.Allocate(ctx, uint32(len(buf)), guard)
		guard = newGuard
		if err != nil {
			return classifyIOErr(ctx, "rmw", err)
		}
		copy(dst, buf)

		outcome := s.idx.InsertOrUpdate(h, tag, addr, expected, s.verifyKey(key))
		if outcome == index.Retry {
			continue
		}
		s.metrics.Rmws.Inc(1)
		return nil
	}
}

// verifyKey returns an index.Verify closure that confirms a candidate
// address really holds key, disambiguating tag collisions between
// distinct keys (spec §4.4).
func (s *Store) verifyKey(key []byte) index.Verify {
	return func(addr index.Address) bool {
		rec, err := s.log.Get(context.Background(), addr)
		if err != nil {
			return false
		}
		return string(rec.Key) == string(key)
	}
}

// Fold walks live keys in ascending keyHash order starting at (and
// including) from, calling fn with each key/value pair until fn returns
// false or iteration is exhausted (spec §4.5's best-effort key iteration:
// a concurrent Upsert/Delete may or may not be observed depending on
// timing). The keyHash passed to fn is a resumable cursor for a later
// Fold call, not a stable key identifier.
func (s *Store) Fold(ctx context.Context, from uint64, fn func(keyHash uint64, key, value []byte) bool) error {
	if s.closed.Load() {
		return ErrClosed
	}

	guard := s.epochMgr.Protect()
	defer func() { guard.Unprotect() }()

	var foldErr error
	s.idx.ScanIndex().Fold(from, func(keyHash uint64, addr index.Address) bool {
		rec, err := s.log.Get(ctx, addr)
		if err != nil {
			foldErr = classifyIOErr(ctx, "fold", err)
			return false
		}
		if rec.Tombstone() {
			return true
		}
		return fn(keyHash, rec.Key, rec.Value)
	})
	return foldErr
}

// ListKeys returns a copy of every live key currently in the store, in
// ascending keyHash order. It is a convenience wrapper over Fold for
// callers that don't need to stream results incrementally.
func (s *Store) ListKeys(ctx context.Context) ([][]byte, error) {
	var keys [][]byte
	err := s.Fold(ctx, 0, func(_ uint64, key, _ []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	return keys, err
}

// Checkpoint runs one checkpoint pass and records its token for GC's
// begin-address calculation.
func (s *Store) Checkpoint() (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	start := time.Now()
	token, err := s.ckpt.Run(context.Background())
	if err != nil {
		return "", err
	}
	elapsed := time.Since(start)
	s.lastCheckpointToken.Store(&token)
	s.lastCheckpointTail.Store(s.log.TailAddress())
	s.lastCheckpointNanos.Store(elapsed.Nanoseconds())
	s.metrics.CheckpointsTaken.Inc(1)
	s.metrics.CheckpointNanos.Update(elapsed)
	return token, nil
}

// RunGC runs one garbage-collection pass, advancing begin_address by as
// much as the most recent checkpoint (if any) allows (spec §4.6).
func (s *Store) RunGC(ctx context.Context) (gc.Result, error) {
	if s.closed.Load() {
		return gc.Result{}, ErrClosed
	}
	res, err := s.gcEng.Run(ctx, s.lastCheckpointTail.Load())
	if err != nil {
		return gc.Result{}, err
	}
	s.metrics.GCRuns.Inc(1)
	s.metrics.GCBytesReclaimed.Inc(int64(res.BytesTruncated))
	return res, nil
}

// Stats returns a point-in-time snapshot of the store's counters and
// boundary addresses (spec §6 stats, SPEC_FULL.md §6.4).
func (s *Store) Stats() StatsSnapshot {
	snap := StatsSnapshot{
		KeyCount:         s.idx.Size(),
		BeginAddress:     s.log.BeginAddress(),
		HeadAddress:      s.log.HeadAddress(),
		ReadOnlyAddress:  s.log.ReadOnlyAddress(),
		TailAddress:      s.log.TailAddress(),
		Upserts:          s.metrics.Upserts.Count(),
		Reads:            s.metrics.Reads.Count(),
		Deletes:          s.metrics.Deletes.Count(),
		Rmws:             s.metrics.Rmws.Count(),
		NotFound:         s.metrics.NotFound.Count(),
		PageEvictions:    s.metrics.PageEvictions.Count(),
		PageFlushes:      s.metrics.PageFlushes.Count(),
		CheckpointState:  s.ckpt.State(),
		CheckpointsTaken: s.metrics.CheckpointsTaken.Count(),
		GCRuns:           s.metrics.GCRuns.Count(),
		GCBytesReclaimed: s.metrics.GCBytesReclaimed.Count(),
		Pages:            newPageStateHistogram(s.log.PageStateCounts()),
		BackgroundError:  s.checkBackgroundError(),
	}
	if size, err := utils.DirSize(s.opts.StoragePath); err == nil {
		snap.DiskBytes = size
	} else {
		s.logger.Warnf("stats: disk size of %s: %v", s.opts.StoragePath, err)
	}
	if free, err := utils.AvailableDiskSize(s.opts.StoragePath); err == nil {
		snap.DiskFreeBytes = free
	} else {
		s.logger.Warnf("stats: available disk size of %s: %v", s.opts.StoragePath, err)
	}
	if p := s.lastCheckpointToken.Load(); p != nil {
		snap.LastCheckpointToken = *p
	}
	snap.LastCheckpointDuration = s.lastCheckpointNanos.Load()
	return snap
}

// classifyIOErr maps a lower-level error into the taxonomy of spec §7:
// context errors become TimeoutError, everything else from the log/device
// path becomes IOError.
func classifyIOErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return &TimeoutError{Op: op, Err: ctx.Err()}
	}
	return &IOError{Op: op, Err: err}
}
