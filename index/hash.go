package index

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// HashIndex is the production Index backend: a lock-free, dynamically
// resizable table (github.com/puzpuzpuz/xsync/v3.MapOf) from bucket index
// to a CAS'd bucket chain. The table itself needs no epoch protection
// because xsync.MapOf already guarantees safe concurrent Load/LoadOrStore;
// epoch protection in this module is reserved for hlog page reclamation,
// matching spec §4.4's own scoping ("bucket resizing ... coordinated via
// the epoch manager" only if implemented — here resizing is delegated
// entirely to xsync, so no separate coordination is needed).
type HashIndex struct {
	tableBits uint
	tableMask uint64
	table     *xsync.MapOf[uint64, *bucket]
	scan      *ScanIndex
}

// NewHashIndex creates an index with 2^tableBits buckets addressed by the
// low tableBits of the key hash.
func NewHashIndex(tableBits uint) *HashIndex {
	return &HashIndex{
		tableBits: tableBits,
		tableMask: uint64(1)<<tableBits - 1,
		table:     xsync.NewMapOf[uint64, *bucket](),
		scan:      NewScanIndex(),
	}
}

func (h *HashIndex) bucketFor(keyHash uint64) *bucket {
	idx := keyHash & h.tableMask
	b, _ := h.table.LoadOrCompute(idx, func() *bucket { return &bucket{} })
	return b
}

func (h *HashIndex) bucketIfExists(keyHash uint64) (*bucket, bool) {
	return h.table.Load(keyHash & h.tableMask)
}

// Find implements Index.
func (h *HashIndex) Find(keyHash uint64, tag uint16, verify Verify) (Address, bool) {
	b, ok := h.bucketIfExists(keyHash)
	if !ok {
		return 0, false
	}
	return b.find(tag, verify)
}

// InsertOrUpdate implements Index, following the tentative-bit protocol of
// spec §4.4: a brand-new key is published tentative, the bucket is
// re-scanned for a conflicting winner, and only then is the tentative bit
// cleared (or the loser's slot rolled back).
func (h *HashIndex) InsertOrUpdate(keyHash uint64, tag uint16, newAddr, expectedAddr Address, verify Verify) Outcome {
	b := h.bucketFor(keyHash)

	if owner, idx, word, ok := b.findSlotWord(tag, verify, false); ok {
		_, existingAddr, _ := unpack(word)
		if existingAddr != expectedAddr {
			return Retry
		}
		newWord := pack(tag, newAddr, false)
		if !owner.slots[idx].CompareAndSwap(word, newWord) {
			return Retry
		}
		h.scan.Update(keyHash, newAddr)
		return Updated
	}

	if expectedAddr != 0 {
		// Caller believed a slot existed (non-zero expected) but we found
		// none: the entry must have been removed by GC concurrently.
		return Retry
	}

	owner, idx := b.installTentative(tag, newAddr)
	if b.hasConflict(tag, verify, owner, idx) {
		owner.clear(idx, pack(tag, newAddr, true))
		return Retry
	}
	confirmed := pack(tag, newAddr, false)
	if !owner.slots[idx].CompareAndSwap(pack(tag, newAddr, true), confirmed) {
		// Should not happen (only we know about this slot yet), but fail
		// safe by rolling back rather than leaving it tentative forever.
		owner.clear(idx, pack(tag, newAddr, true))
		return Retry
	}
	h.scan.Update(keyHash, newAddr)
	return Inserted
}

// Remove implements Index.
func (h *HashIndex) Remove(keyHash uint64, tag uint16, verify Verify) bool {
	b, ok := h.bucketIfExists(keyHash)
	if !ok {
		return false
	}
	owner, idx, word, ok := b.findSlotWord(tag, verify, false)
	if !ok {
		return false
	}
	if !owner.clear(idx, word) {
		return false
	}
	h.scan.Remove(keyHash)
	return true
}

// Range implements Index.
func (h *HashIndex) Range(fn func(keyHash uint64, tag uint16, addr Address) bool) {
	stop := false
	h.table.Range(func(bucketIdx uint64, b *bucket) bool {
		if stop {
			return false
		}
		b.forEach(func(tag uint16, addr Address) {
			if stop {
				return
			}
			// The full key hash isn't recoverable from (bucketIdx, tag)
			// alone once the low bits have been reused across resizes, so
			// Range synthesizes a stand-in by putting bucketIdx in the low
			// bits and tag above it. This is NOT the original key hash: only
			// the low tableBits bits (the ones that select a bucket) are
			// faithful. Callers (checkpoint/gc staging) only need those bits
			// to be self-consistent for sharding and ordering, never to map
			// back to the real hash.
			pseudoHash := bucketIdx | (uint64(tag) << h.tableBits)
			if !fn(pseudoHash, tag, addr) {
				stop = true
			}
		})
		return !stop
	})
}

// Size implements Index.
func (h *HashIndex) Size() int {
	n := 0
	h.table.Range(func(_ uint64, b *bucket) bool {
		n += b.count()
		return true
	})
	return n
}

// ScanIndex exposes the secondary ordered projection backing best-effort
// iteration (ListKeys/Fold). InsertOrUpdate and Remove keep it in step with
// the hash index; it holds key hashes and addresses, not key bytes. See
// scan.go.
func (h *HashIndex) ScanIndex() *ScanIndex { return h.scan }
