package index

import "testing"

func TestStagingPutGetDelete(t *testing.T) {
	s := NewStaging()
	s.Put(42, 7, 1000)
	tag, addr, ok := s.Get(42)
	if !ok || tag != 7 || addr != 1000 {
		t.Fatalf("Get = %d %d %v", tag, addr, ok)
	}
	s.Delete(42)
	if _, _, ok := s.Get(42); ok {
		t.Fatal("entry should be gone after Delete")
	}
}

func TestStagingPutIfAbsentKeepsFirstWriter(t *testing.T) {
	s := NewStaging()
	s.PutIfAbsent(1, 1, 100)
	s.PutIfAbsent(1, 1, 200)
	_, addr, ok := s.Get(1)
	if !ok || addr != 100 {
		t.Fatalf("addr = %d, want 100 (first writer should win)", addr)
	}
}

func TestStagingEachIsDeterministicallyOrdered(t *testing.T) {
	s := NewStaging()
	hashes := []uint64{500, 1, 999, 42, 7}
	for _, h := range hashes {
		s.Put(h, Tag(h), Address(h))
	}
	var order []uint64
	s.Each(func(keyHash uint64, tag uint16, addr Address) {
		order = append(order, keyHash)
	})
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Fatalf("Each not in ascending order: %v", order)
		}
	}
	if len(order) != len(hashes) {
		t.Fatalf("len(order) = %d, want %d", len(order), len(hashes))
	}
}

func TestStagingSize(t *testing.T) {
	s := NewStaging()
	for i := uint64(0); i < 20; i++ {
		s.Put(i, 0, Address(i))
	}
	if s.Size() != 20 {
		t.Fatalf("Size = %d, want 20", s.Size())
	}
}
