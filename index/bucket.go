package index

import "sync/atomic"

// slotsPerBucket bounds how many entries a single bucket holds before
// chaining to an overflow bucket. Kept small (a cache-line's worth of
// words) so a bucket scan stays cheap.
const slotsPerBucket = 7

// bucket is one node in a key's collision chain: a fixed array of CAS'd
// slot words plus a pointer to an overflow bucket, exactly the layout spec
// §4.4 describes ("collisions within the same bucket are chained; each
// slot holds {tag, address, tentative} as one 64-bit word").
type bucket struct {
	slots    [slotsPerBucket]atomic.Uint64
	overflow atomic.Pointer[bucket]
}

// find walks the bucket chain looking for a non-tentative slot whose
// tag matches and whose address verify accepts. Returns the address and
// true on a match.
func (b *bucket) find(tag uint16, verify Verify) (Address, bool) {
	for cur := b; cur != nil; cur = cur.overflow.Load() {
		for i := range cur.slots {
			w := cur.slots[i].Load()
			if w == 0 {
				continue
			}
			t, addr, tent := unpack(w)
			if tent || t != tag {
				continue
			}
			if verify == nil || verify(addr) {
				return addr, true
			}
		}
	}
	return 0, false
}

// findSlotWord is like find but also returns the bucket/index holding the
// matching word, for CAS-based update. Tentative slots are included so a
// caller finishing its own tentative install can locate itself.
func (b *bucket) findSlotWord(tag uint16, verify Verify, includeTentative bool) (owner *bucket, idx int, word uint64, ok bool) {
	for cur := b; cur != nil; cur = cur.overflow.Load() {
		for i := range cur.slots {
			w := cur.slots[i].Load()
			if w == 0 {
				continue
			}
			t, addr, tent := unpack(w)
			if t != tag {
				continue
			}
			if tent && !includeTentative {
				continue
			}
			if !tent && verify != nil && !verify(addr) {
				continue
			}
			return cur, i, w, true
		}
	}
	return nil, 0, 0, false
}

// installTentative CAS-publishes a brand-new tentative slot somewhere in
// the chain, extending it with a fresh overflow bucket if every existing
// bucket is full.
func (b *bucket) installTentative(tag uint16, addr Address) (owner *bucket, idx int) {
	word := pack(tag, addr, true)
	cur := b
	for {
		for i := range cur.slots {
			if cur.slots[i].CompareAndSwap(0, word) {
				return cur, i
			}
		}
		next := cur.overflow.Load()
		if next == nil {
			fresh := &bucket{}
			if cur.overflow.CompareAndSwap(nil, fresh) {
				next = fresh
			} else {
				next = cur.overflow.Load()
			}
		}
		cur = next
	}
}

// hasConflict reports whether some non-tentative slot other than
// (skipOwner, skipIdx) already carries tag with an address verify accepts,
// used to detect two concurrent inserts racing to create the same new key.
func (b *bucket) hasConflict(tag uint16, verify Verify, skipOwner *bucket, skipIdx int) bool {
	for cur := b; cur != nil; cur = cur.overflow.Load() {
		for i := range cur.slots {
			if cur == skipOwner && i == skipIdx {
				continue
			}
			w := cur.slots[i].Load()
			if w == 0 {
				continue
			}
			t, addr, tent := unpack(w)
			if tent || t != tag {
				continue
			}
			if verify == nil || verify(addr) {
				return true
			}
		}
	}
	return false
}

// clear CAS-zeroes a known slot; used to remove entries and to roll back a
// tentative insert that lost a race.
func (b *bucket) clear(idx int, expected uint64) bool {
	return b.slots[idx].CompareAndSwap(expected, 0)
}

// forEach walks every live, non-tentative slot in the chain.
func (b *bucket) forEach(fn func(tag uint16, addr Address)) {
	for cur := b; cur != nil; cur = cur.overflow.Load() {
		for i := range cur.slots {
			w := cur.slots[i].Load()
			if w == 0 {
				continue
			}
			t, addr, tent := unpack(w)
			if tent {
				continue
			}
			fn(t, addr)
		}
	}
}

func (b *bucket) count() int {
	n := 0
	b.forEach(func(uint16, Address) { n++ })
	return n
}
