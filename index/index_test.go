package index

import "testing"

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		tag  uint16
		addr Address
		tent bool
	}{
		{0, 0, false},
		{1, 1, true},
		{uint16(tagMask), addrMask, false},
		{uint16(tagMask), addrMask, true},
		{42, 123456789, false},
	}
	for _, c := range cases {
		w := pack(c.tag, c.addr, c.tent)
		tag, addr, tent := unpack(w)
		if tag != c.tag || addr != c.addr || tent != c.tent {
			t.Fatalf("pack/unpack mismatch for %+v: got tag=%d addr=%d tent=%v", c, tag, addr, tent)
		}
	}
}

func TestPackDoesNotLeakIntoReservedBit(t *testing.T) {
	w := pack(uint16(tagMask), addrMask, true)
	if w&(uint64(1)<<63) != 0 {
		t.Fatalf("reserved bit 63 set: %x", w)
	}
}

func TestTagIsStableForSameHash(t *testing.T) {
	h := uint64(0xdeadbeefcafef00d)
	if Tag(h) != Tag(h) {
		t.Fatal("Tag is not deterministic")
	}
}
