package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlogstore/index"
)

func TestDescriptorEncodeDecodeRoundTrip(t *testing.T) {
	d := Descriptor{Token: "ckpt-1", Version: 1, Begin: 8, Head: 16, ReadOnly: 32, Tail: 64, Shards: 4}
	buf := encodeDescriptor(d)
	got, err := decodeDescriptor(buf)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDescriptorDecodeRejectsCorruption(t *testing.T) {
	d := Descriptor{Token: "ckpt-1", Version: 1, Begin: 8, Head: 16, ReadOnly: 32, Tail: 64, Shards: 4}
	buf := encodeDescriptor(d)
	buf[10] ^= 0xFF
	_, err := decodeDescriptor(buf)
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)
}

func TestWriteReadMetaRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "hlogstore-descriptor")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o644, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d := Descriptor{Token: "ckpt-2", Version: 1, Begin: 0, Head: 8, ReadOnly: 8, Tail: 8, Shards: 2}
	require.NoError(t, writeMeta(db, d))

	got, err := readMeta(db)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestReadMetaMissingBucketIsInvalid(t *testing.T) {
	dir, err := os.MkdirTemp("", "hlogstore-descriptor")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o644, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = readMeta(db)
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)
}

func TestWriteReadShardRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "hlogstore-descriptor")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o644, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := index.NewStaging()
	for i := uint64(0); i < 10; i++ {
		st.Put(i, index.Tag(i), index.Address(i*100))
	}
	require.NoError(t, writeShard(db, 0, st))

	seen := map[uint64]index.Address{}
	err = readShard(db, 0, func(keyHash uint64, tag uint16, addr index.Address) {
		seen[keyHash] = addr
	})
	require.NoError(t, err)
	assert.Len(t, seen, 10)
	assert.Equal(t, index.Address(500), seen[5])
}
