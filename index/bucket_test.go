package index

import (
	"sync"
	"testing"
)

func TestBucketInstallAndFind(t *testing.T) {
	b := &bucket{}
	owner, idx := b.installTentative(5, 100)
	if owner.slots[idx].Load() == 0 {
		t.Fatal("slot not installed")
	}
	if _, ok := b.find(5, nil); ok {
		t.Fatal("tentative slot should not be visible to find")
	}
	confirmed := pack(5, 100, false)
	if !owner.slots[idx].CompareAndSwap(pack(5, 100, true), confirmed) {
		t.Fatal("failed to confirm slot")
	}
	addr, ok := b.find(5, nil)
	if !ok || addr != 100 {
		t.Fatalf("find after confirm = %d, %v", addr, ok)
	}
}

func TestBucketOverflowsWhenFull(t *testing.T) {
	b := &bucket{}
	for i := 0; i < slotsPerBucket+3; i++ {
		owner, idx := b.installTentative(uint16(i), Address(i+1))
		confirmed := pack(uint16(i), Address(i+1), false)
		owner.slots[idx].CompareAndSwap(pack(uint16(i), Address(i+1), true), confirmed)
	}
	if b.overflow.Load() == nil {
		t.Fatal("expected overflow bucket to be created")
	}
	if b.count() != slotsPerBucket+3 {
		t.Fatalf("count = %d", b.count())
	}
}

func TestBucketHasConflictDetectsRacingInsert(t *testing.T) {
	b := &bucket{}
	ownerA, idxA := b.installTentative(9, 1)
	// Simulate a second writer confirming a slot for the same tag/key first.
	ownerB, idxB := b.installTentative(9, 2)
	confirmed := pack(9, 2, false)
	ownerB.slots[idxB].CompareAndSwap(pack(9, 2, true), confirmed)

	verify := func(addr Address) bool { return true }
	if !b.hasConflict(9, verify, ownerA, idxA) {
		t.Fatal("expected conflict to be detected")
	}
}

func TestBucketClearRemovesEntry(t *testing.T) {
	b := &bucket{}
	owner, idx := b.installTentative(3, 55)
	confirmed := pack(3, 55, false)
	owner.slots[idx].CompareAndSwap(pack(3, 55, true), confirmed)
	if !owner.clear(idx, confirmed) {
		t.Fatal("clear failed")
	}
	if _, ok := b.find(3, nil); ok {
		t.Fatal("entry should be gone after clear")
	}
}

func TestBucketConcurrentInstalls(t *testing.T) {
	b := &bucket{}
	var wg sync.WaitGroup
	n := 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner, idx := b.installTentative(uint16(i), Address(i+1))
			confirmed := pack(uint16(i), Address(i+1), false)
			owner.slots[idx].CompareAndSwap(pack(uint16(i), Address(i+1), true), confirmed)
		}(i)
	}
	wg.Wait()
	if b.count() != n {
		t.Fatalf("count = %d, want %d", b.count(), n)
	}
}
