// Package record implements the on-log record layout described in the
// hybrid log's data model: a fixed-size header followed by an opaque key
// and an opaque value. Records are self-describing (they carry their own
// length and a CRC) so the log and the recovery replay path can scan them
// without consulting any other structure.
package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"unsafe"
)

// Flags are the bit flags carried in a record's header.
type Flags uint8

const (
	// FlagTombstone marks a record as a logical delete for its key.
	FlagTombstone Flags = 1 << iota
	// FlagInvalid marks padding written by the allocator when a record
	// would otherwise straddle a page boundary. Invalid records carry no
	// key or value and are skipped by every reader, including recovery.
	FlagInvalid
	// FlagLocked is a per-record spin-lock bit guarding in-place value
	// mutation of a record still within [read_only, tail) (spec §4.3.4,
	// design choice (b): a per-record spinlock bit in meta rather than
	// copy-on-write). A writer CAS-sets it before mutating Value bytes in
	// place and CAS-clears it after; a reader concurrently decoding the
	// same bytes may observe either the pre- or post-mutation value but
	// never a torn one, since it only ever reads a length-prefixed slice
	// the mutator holds sole ownership of while locked.
	FlagLocked
)

// HeaderSize is the fixed size, in bytes, of every record's header:
// crc(4) + flags(1) + reserved(3) + keyLen(4) + valueLen(4) + prev(8).
const HeaderSize = 24

// Alignment is the byte boundary every record is padded to.
const Alignment = 8

// Header is the fixed-size record header of spec §3.
type Header struct {
	CRC       uint32
	Flags     Flags
	KeyLen    uint32
	ValueLen  uint32
	// Prev points at the previous version address of the same key, forming
	// a per-key version chain used by crash recovery. Zero means "none."
	Prev uint64
}

// Record is a single hybrid-log record: header plus opaque key/value bytes.
type Record struct {
	Header Header
	Key    []byte
	Value  []byte
}

// Tombstone reports whether r represents a logical delete.
func (r *Record) Tombstone() bool {
	return r.Header.Flags&FlagTombstone != 0
}

// Invalid reports whether r is allocator padding.
func (r *Record) Invalid() bool {
	return r.Header.Flags&FlagInvalid != 0
}

// Size returns the unpadded encoded size of r in bytes.
func (r *Record) Size() int {
	return HeaderSize + len(r.Key) + len(r.Value)
}

// PaddedSize returns Size rounded up to Alignment, i.e. the number of bytes
// an allocation for r actually consumes in the log.
func (r *Record) PaddedSize() int {
	return AlignUp(r.Size())
}

// AlignUp rounds n up to the next multiple of Alignment.
func AlignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// New builds a normal (non-tombstone) record.
func New(key, value []byte, prev uint64) *Record {
	return &Record{
		Header: Header{KeyLen: uint32(len(key)), ValueLen: uint32(len(value)), Prev: prev},
		Key:    key,
		Value:  value,
	}
}

// NewTombstone builds a tombstone record for key; tombstones carry an empty
// value but retain the previous-version pointer (DESIGN.md open question 1).
func NewTombstone(key []byte, prev uint64) *Record {
	return &Record{
		Header: Header{KeyLen: uint32(len(key)), Flags: FlagTombstone, Prev: prev},
		Key:    key,
	}
}

// Encode serializes r into a freshly allocated, alignment-padded buffer.
// The trailing pad bytes are zero and are never interpreted (a reader stops
// after ValueLen bytes of value).
func Encode(r *Record) []byte {
	size := r.Size()
	buf := make([]byte, AlignUp(size))
	encodeInto(buf, r)
	return buf
}

// EncodeInvalid returns a padding record of exactly n bytes (n must already
// be 8-byte aligned and at least HeaderSize) used by the allocator to fill
// the remainder of a page it cannot use.
func EncodeInvalid(n int) []byte {
	if n < HeaderSize {
		panic(fmt.Sprintf("record: invalid padding length %d smaller than header", n))
	}
	// The padding length is carried as ValueLen so Decode consumes all n bytes.
	r := &Record{Header: Header{Flags: FlagInvalid, ValueLen: uint32(n - HeaderSize)}, Value: make([]byte, n-HeaderSize)}
	buf := make([]byte, n)
	encodeInto(buf, r)
	return buf
}

func encodeInto(buf []byte, r *Record) {
	buf[4] = byte(r.Header.Flags)
	// buf[5:8] stay zero (reserved).
	binary.LittleEndian.PutUint32(buf[8:12], r.Header.KeyLen)
	binary.LittleEndian.PutUint32(buf[12:16], r.Header.ValueLen)
	binary.LittleEndian.PutUint64(buf[16:24], r.Header.Prev)
	copy(buf[HeaderSize:], r.Key)
	copy(buf[HeaderSize+len(r.Key):], r.Value)
	crc := crc32.ChecksumIEEE(buf[4:HeaderSize+len(r.Key)+len(r.Value)])
	binary.LittleEndian.PutUint32(buf[0:4], crc)
}

// Decode reads a single record starting at buf[0]. It returns the record,
// the number of bytes consumed (the encoded size rounded up to Alignment),
// and an error if the header or CRC is corrupt.
func Decode(buf []byte) (*Record, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, fmt.Errorf("record: short buffer %d < header %d", len(buf), HeaderSize)
	}
	var h Header
	h.CRC = binary.LittleEndian.Uint32(buf[0:4])
	h.Flags = Flags(buf[4])
	h.KeyLen = binary.LittleEndian.Uint32(buf[8:12])
	h.ValueLen = binary.LittleEndian.Uint32(buf[12:16])
	h.Prev = binary.LittleEndian.Uint64(buf[16:24])

	total := HeaderSize + int(h.KeyLen) + int(h.ValueLen)
	if total < HeaderSize || len(buf) < total {
		return nil, 0, fmt.Errorf("record: %w: declared length %d exceeds buffer %d", ErrCorrupt, total, len(buf))
	}

	crc := crc32.ChecksumIEEE(buf[4:total])
	if crc != h.CRC {
		return nil, 0, fmt.Errorf("record: %w: crc mismatch", ErrCorrupt)
	}

	r := &Record{Header: h}
	if h.Flags&FlagInvalid == 0 {
		r.Key = append([]byte(nil), buf[HeaderSize:HeaderSize+int(h.KeyLen)]...)
		r.Value = append([]byte(nil), buf[HeaderSize+int(h.KeyLen):total]...)
	}
	return r, AlignUp(total), nil
}

// ErrCorrupt is wrapped by Decode when a header or CRC fails validation.
var ErrCorrupt = fmt.Errorf("corrupt record")

// flagsWord returns an atomic view over the 4-byte flags-and-reserved
// field starting at buf[4]. buf must be a slice into a page arena, which
// is always allocated 8-byte aligned, so buf[4:8] is itself 4-byte
// aligned and safe to address as a uint32.
func flagsWord(buf []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&buf[4]))
}

// TryLock attempts to set FlagLocked on the record's flags byte via CAS,
// implementing the spin-lock bit of spec §4.3.4's in-place update design.
// It returns false if the record is already locked by another writer.
func TryLock(buf []byte) bool {
	w := flagsWord(buf)
	for {
		old := atomic.LoadUint32(w)
		if byte(old)&byte(FlagLocked) != 0 {
			return false
		}
		newWord := old | uint32(FlagLocked)
		if atomic.CompareAndSwapUint32(w, old, newWord) {
			return true
		}
	}
}

// Unlock clears FlagLocked, releasing a lock taken by TryLock.
func Unlock(buf []byte) {
	w := flagsWord(buf)
	for {
		old := atomic.LoadUint32(w)
		newWord := old &^ uint32(FlagLocked)
		if atomic.CompareAndSwapUint32(w, old, newWord) {
			return
		}
	}
}

// IsLocked reports whether the record's flags byte currently carries
// FlagLocked.
func IsLocked(buf []byte) bool {
	return byte(atomic.LoadUint32(flagsWord(buf)))&byte(FlagLocked) != 0
}

// TryUpdateInPlace attempts to overwrite a resident record's value with
// newValue without appending a new record (spec §4.3.4's in-place update
// path). It only succeeds when newValue is exactly the length of the
// record's current value, since in-place update never resizes a record,
// and when the record is neither a tombstone nor padding. On success the
// record's CRC is recomputed over the mutated bytes before the lock is
// released, so a reader that waits out the lock (hlog.Log.Get) always sees
// a consistent record.
func TryUpdateInPlace(buf []byte, newValue []byte) bool {
	flags := Flags(buf[4])
	if flags&(FlagTombstone|FlagInvalid) != 0 {
		return false
	}
	valueLen := binary.LittleEndian.Uint32(buf[12:16])
	if int(valueLen) != len(newValue) {
		return false
	}
	if !TryLock(buf) {
		return false
	}

	keyLen := binary.LittleEndian.Uint32(buf[8:12])
	total := HeaderSize + int(keyLen) + int(valueLen)
	copy(buf[HeaderSize+int(keyLen):total], newValue)

	// Compute the CRC the record will carry once unlocked, and store it
	// while still locked, so a reader that waits out the lock never
	// observes a CRC that doesn't match the flags byte it can see.
	unlockedFlags := byte(Flags(buf[4]) &^ FlagLocked)
	scratch := append([]byte(nil), buf[4:total]...)
	scratch[0] = unlockedFlags
	crc := crc32.ChecksumIEEE(scratch)
	binary.LittleEndian.PutUint32(buf[0:4], crc)

	Unlock(buf)
	return true
}
