package checkpoint

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	bolt "go.etcd.io/bbolt"

	"hlogstore/index"
)

// Descriptor is the fixed-size checkpoint metadata of spec §6's on-disk
// layout, adapted to live inside bbolt's "meta" bucket instead of a raw
// file (§6.3).
type Descriptor struct {
	Token    string
	Version  uint64
	Begin    uint64
	Head     uint64
	ReadOnly uint64
	Tail     uint64
	Shards   int
}

var (
	metaBucket = []byte("meta")
	metaKey    = []byte("descriptor")
)

// ErrInvalidCheckpoint is returned when a checkpoint directory exists but
// its descriptor is missing or fails its checksum, per spec §4.5's failure
// semantics ("partial checkpoint files are garbage").
var ErrInvalidCheckpoint = fmt.Errorf("checkpoint: invalid or incomplete checkpoint")

// encodeDescriptor serializes d into a fixed layout with a trailing CRC32,
// so a truncated or torn write is detected on read rather than silently
// accepted.
func encodeDescriptor(d Descriptor) []byte {
	tok := []byte(d.Token)
	buf := make([]byte, 4+8*5+4+4+len(tok)+4)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], 0x484c4f47) // magic "HLOG"
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], d.Version)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.Begin)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.Head)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.ReadOnly)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], d.Tail)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.Shards))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(tok)))
	off += 4
	copy(buf[off:], tok)
	off += len(tok)
	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)
	return buf
}

func decodeDescriptor(buf []byte) (Descriptor, error) {
	const fixed = 4 + 8*5 + 4 + 4
	if len(buf) < fixed {
		return Descriptor{}, fmt.Errorf("checkpoint: %w: descriptor too short", ErrInvalidCheckpoint)
	}
	off := 0
	magic := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if magic != 0x484c4f47 {
		return Descriptor{}, fmt.Errorf("checkpoint: %w: bad magic", ErrInvalidCheckpoint)
	}
	var d Descriptor
	d.Version = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.Begin = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.Head = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.ReadOnly = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.Tail = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	d.Shards = int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	tokLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+tokLen+4 {
		return Descriptor{}, fmt.Errorf("checkpoint: %w: descriptor truncated", ErrInvalidCheckpoint)
	}
	d.Token = string(buf[off : off+tokLen])
	off += tokLen
	wantCRC := binary.LittleEndian.Uint32(buf[off:])
	gotCRC := crc32.ChecksumIEEE(buf[:off])
	if gotCRC != wantCRC {
		return Descriptor{}, fmt.Errorf("checkpoint: %w: checksum mismatch", ErrInvalidCheckpoint)
	}
	return d, nil
}

// writeMeta commits the descriptor as the last write of a checkpoint: its
// presence with a matching checksum is the linearization point of spec
// §4.5 step 4.
func writeMeta(db *bolt.DB, d Descriptor) error {
	buf := encodeDescriptor(d)
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return b.Put(metaKey, buf)
	})
}

func readMeta(db *bolt.DB) (Descriptor, error) {
	var desc Descriptor
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b == nil {
			return fmt.Errorf("checkpoint: %w: missing meta bucket", ErrInvalidCheckpoint)
		}
		buf := b.Get(metaKey)
		if buf == nil {
			return fmt.Errorf("checkpoint: %w: missing descriptor key", ErrInvalidCheckpoint)
		}
		d, err := decodeDescriptor(buf)
		if err != nil {
			return err
		}
		desc = d
		return nil
	})
	return desc, err
}

func shardBucketName(shard int) []byte {
	return []byte(fmt.Sprintf("shard-%d", shard))
}

// writeShard persists every entry currently staged for shard as
// {key_hash:u64 big-endian}->{tag:u16, addr:u64} pairs, so bbolt's own
// B+tree ordering matches the staging structure's ascending iteration
// order (spec §8 invariant 7).
func writeShard(db *bolt.DB, shard int, staged *index.Staging) error {
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(shardBucketName(shard))
		if err != nil {
			return err
		}
		var kbuf [8]byte
		var writeErr error
		staged.Each(func(keyHash uint64, tag uint16, addr index.Address) {
			if writeErr != nil {
				return
			}
			binary.BigEndian.PutUint64(kbuf[:], keyHash)
			vbuf := make([]byte, 10)
			binary.LittleEndian.PutUint16(vbuf[0:2], tag)
			binary.LittleEndian.PutUint64(vbuf[2:10], addr)
			writeErr = b.Put(append([]byte(nil), kbuf[:]...), vbuf)
		})
		return writeErr
	})
}

func readShard(db *bolt.DB, shard int, fn func(keyHash uint64, tag uint16, addr index.Address)) error {
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(shardBucketName(shard))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) != 10 {
				return fmt.Errorf("checkpoint: %w: malformed shard entry", ErrInvalidCheckpoint)
			}
			keyHash := binary.BigEndian.Uint64(k)
			tag := binary.LittleEndian.Uint16(v[0:2])
			addr := binary.LittleEndian.Uint64(v[2:10])
			fn(keyHash, tag, addr)
			return nil
		})
	})
}
