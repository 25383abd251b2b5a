package index

import (
	"encoding/binary"

	art "github.com/plar/go-adaptive-radix-tree"
)

// Staging is a deterministic ordered dedupe structure used by checkpoint
// snapshot production and log recovery replay (spec §8 invariant 7:
// "repeated recovery from the same checkpoint and log tail must produce a
// byte-identical index"). A plain map iterates in random order across runs;
// keying by the big-endian bytes of keyHash in an adaptive radix tree gives
// both O(1)-ish insert/lookup and a fixed ascending iteration order, so two
// runs over the same input always emit entries in the same sequence.
type Staging struct {
	tree art.Tree
}

// NewStaging creates an empty staging structure.
func NewStaging() *Staging {
	return &Staging{tree: art.New()}
}

func stagingKey(keyHash uint64) art.Key {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], keyHash)
	return art.Key(k[:])
}

// Put records the latest known (tag, address) for keyHash, overwriting any
// earlier entry seen during this staging pass. Callers feed entries in log
// order (oldest first) or in reverse log order (newest first, skipping
// already-seen keys) depending on whether they want last-writer-wins or
// first-writer-wins semantics.
func (s *Staging) Put(keyHash uint64, tag uint16, addr Address) {
	s.tree.Insert(stagingKey(keyHash), stagingValue{tag: tag, addr: addr})
}

// PutIfAbsent records (tag, address) only if keyHash has not been staged
// yet, used for reverse-order replay where the first (newest) sighting of a
// key must win.
func (s *Staging) PutIfAbsent(keyHash uint64, tag uint16, addr Address) {
	if _, found := s.tree.Search(stagingKey(keyHash)); found {
		return
	}
	s.tree.Insert(stagingKey(keyHash), stagingValue{tag: tag, addr: addr})
}

// Get looks up a staged entry.
func (s *Staging) Get(keyHash uint64) (tag uint16, addr Address, ok bool) {
	v, found := s.tree.Search(stagingKey(keyHash))
	if !found {
		return 0, 0, false
	}
	sv := v.(stagingValue)
	return sv.tag, sv.addr, true
}

// Delete removes a staged entry, used to represent a tombstone that should
// erase a prior sighting during dedupe.
func (s *Staging) Delete(keyHash uint64) {
	s.tree.Delete(stagingKey(keyHash))
}

// Size returns the number of staged entries.
func (s *Staging) Size() int {
	return s.tree.Size()
}

// Each walks staged entries in ascending keyHash order, giving checkpoint
// snapshot writers and recovery replay a deterministic sequence.
func (s *Staging) Each(fn func(keyHash uint64, tag uint16, addr Address)) {
	s.tree.ForEach(func(node art.Node) bool {
		keyHash := binary.BigEndian.Uint64(node.Key())
		sv := node.Value().(stagingValue)
		fn(keyHash, sv.tag, sv.addr)
		return true
	})
}

type stagingValue struct {
	tag  uint16
	addr Address
}
