package index

import (
	"sync"

	"github.com/google/btree"
)

// ScanIndex is the secondary ordered projection mentioned in spec §4.5's
// design note ("best-effort key iteration may be served by a secondary
// ordered structure rather than the hash index itself"). It orders entries
// by keyHash rather than by key bytes, since the hash index never sees raw
// keys, but that is enough to give ListKeys/Fold a stable, resumable walk
// order across calls.
type ScanIndex struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[scanItem]
}

type scanItem struct {
	keyHash uint64
	addr    Address
}

func scanLess(a, b scanItem) bool { return a.keyHash < b.keyHash }

// NewScanIndex creates an empty ordered projection.
func NewScanIndex() *ScanIndex {
	return &ScanIndex{tree: btree.NewG(32, scanLess)}
}

// Update inserts or overwrites the entry for keyHash.
func (s *ScanIndex) Update(keyHash uint64, addr Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(scanItem{keyHash: keyHash, addr: addr})
}

// Remove deletes the entry for keyHash, if present.
func (s *ScanIndex) Remove(keyHash uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(scanItem{keyHash: keyHash})
}

// Fold walks entries in ascending keyHash order starting at (and including)
// from, calling fn for each until fn returns false or the tree is
// exhausted. It is "best-effort": a concurrent Update/Remove may or may not
// be observed depending on timing, matching spec §4.5's iteration
// guarantee.
func (s *ScanIndex) Fold(from uint64, fn func(keyHash uint64, addr Address) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.AscendGreaterOrEqual(scanItem{keyHash: from}, func(item scanItem) bool {
		return fn(item.keyHash, item.addr)
	})
}

// Len reports the number of entries currently tracked.
func (s *ScanIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
