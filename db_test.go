package hlogstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOptions(t *testing.T) Options {
	t.Helper()
	dir, err := os.MkdirTemp("", "hlogstore-db")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	opts := DefaultOptions(dir)
	opts.PageSize = 4096
	opts.MemorySize = 4096 * 16
	opts.BackgroundWorkers = 2
	return opts
}

func TestUpsertRead(t *testing.T) {
	s, err := Open(newTestOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []byte("k1"), []byte("v1")))
	got, err := s.Read(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestOverwrite(t *testing.T) {
	s, err := Open(newTestOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("a")))
	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("bb")))
	got, err := s.Read(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("bb"), got)
}

func TestTombstone(t *testing.T) {
	s, err := Open(newTestOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, s.Delete(ctx, []byte("k")))
	_, err = s.Read(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestReadMissingKey(t *testing.T) {
	s, err := Open(newTestOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.Read(context.Background(), []byte("nope"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestEmptyKeyRejected(t *testing.T) {
	s, err := Open(newTestOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	assert.ErrorIs(t, s.Upsert(ctx, nil, []byte("v")), ErrKeyIsEmpty)
	_, err = s.Read(ctx, nil)
	assert.ErrorIs(t, err, ErrKeyIsEmpty)
}

func TestRmwAppliesMutatorAtomically(t *testing.T) {
	s, err := Open(newTestOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	appender := func(suffix string) Mutator {
		return func(current []byte) []byte {
			if current == nil {
				return []byte(suffix)
			}
			return append(append([]byte{}, current...), suffix...)
		}
	}
	require.NoError(t, s.Rmw(ctx, []byte("counter"), appender("a")))
	require.NoError(t, s.Rmw(ctx, []byte("counter"), appender("b")))
	require.NoError(t, s.Rmw(ctx, []byte("counter"), appender("c")))

	got, err := s.Read(ctx, []byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestUpsertSameLengthValueUpdatesInPlace(t *testing.T) {
	s, err := Open(newTestOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("aa")))
	before := s.log.TailAddress()

	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("bb")))
	after := s.log.TailAddress()

	assert.Equal(t, before, after, "same-length overwrite should update in place without appending")

	got, err := s.Read(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("bb"), got)
}

func TestRmwSameLengthResultUpdatesInPlace(t *testing.T) {
	s, err := Open(newTestOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	toUpper := func(current []byte) []byte {
		if current == nil {
			return []byte("aaa")
		}
		out := append([]byte(nil), current...)
		for i := range out {
			if out[i] >= 'a' && out[i] <= 'z' {
				out[i] -= 'a' - 'A'
			}
		}
		return out
	}

	require.NoError(t, s.Rmw(ctx, []byte("k"), toUpper))
	before := s.log.TailAddress()

	require.NoError(t, s.Rmw(ctx, []byte("k"), toUpper))
	after := s.log.TailAddress()

	assert.Equal(t, before, after, "same-length rmw result should update in place without appending")

	got, err := s.Read(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("AAA"), got)
}

func TestPageRollover(t *testing.T) {
	opts := newTestOptions(t)
	opts.PageSize = 512
	opts.MemorySize = 512 * 64
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		value := []byte(fmt.Sprintf("value-%04d", i))
		require.NoError(t, s.Upsert(ctx, key, value))
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := []byte(fmt.Sprintf("value-%04d", i))
		got, err := s.Read(ctx, key)
		require.NoError(t, err, "key %s", key)
		assert.Equal(t, want, got)
	}
}

func TestCheckpointAndRecover(t *testing.T) {
	opts := newTestOptions(t)
	s, err := Open(opts)
	require.NoError(t, err)
	ctx := context.Background()

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		value := []byte(fmt.Sprintf("v%03d", i))
		require.NoError(t, s.Upsert(ctx, key, value))
	}

	_, err = s.Checkpoint()
	require.NoError(t, err)

	// Simulate a crash: tear down without taking another checkpoint.
	require.NoError(t, s.Close())

	s2, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		want := []byte(fmt.Sprintf("v%03d", i))
		got, err := s2.Read(ctx, key)
		require.NoError(t, err, "key %s", key)
		assert.Equal(t, want, got)
	}
}

func TestConcurrentWritersDisjointKeys(t *testing.T) {
	opts := newTestOptions(t)
	opts.MemorySize = 4096 * 64
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	const workers = 8
	const perWorker = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("w%d-k%d", w, i))
				value := []byte(fmt.Sprintf("w%d-v%d", w, i))
				if err := s.Upsert(ctx, key, value); err != nil {
					t.Errorf("upsert %s: %v", key, err)
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			key := []byte(fmt.Sprintf("w%d-k%d", w, i))
			want := []byte(fmt.Sprintf("w%d-v%d", w, i))
			got, err := s.Read(ctx, key)
			require.NoError(t, err, "key %s", key)
			assert.Equal(t, want, got)
		}
	}
}

func TestGCProgressAfterCheckpoint(t *testing.T) {
	opts := newTestOptions(t)
	opts.PageSize = 256
	opts.MemorySize = 256 * 16
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	const n = 300
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("gk%04d", i))
		value := []byte(fmt.Sprintf("gv%04d", i))
		require.NoError(t, s.Upsert(ctx, key, value))
	}

	_, err = s.Checkpoint()
	require.NoError(t, err)

	beginBefore := s.log.BeginAddress()
	_, err = s.RunGC(ctx)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, s.log.BeginAddress(), beginBefore)

	// The most recently written keys must still be readable.
	for i := n - 10; i < n; i++ {
		key := []byte(fmt.Sprintf("gk%04d", i))
		want := []byte(fmt.Sprintf("gv%04d", i))
		got, err := s.Read(ctx, key)
		require.NoError(t, err, "key %s", key)
		assert.Equal(t, want, got)
	}
}

func TestStatsReflectsActivity(t *testing.T) {
	s, err := Open(newTestOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("v")))
	_, _ = s.Read(ctx, []byte("k"))
	_, _ = s.Read(ctx, []byte("missing"))

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Upserts)
	assert.Equal(t, int64(1), stats.Reads)
	assert.Equal(t, int64(1), stats.NotFound)
	assert.Equal(t, 1, stats.KeyCount)
	assert.Nil(t, stats.BackgroundError)
	assert.Greater(t, stats.Pages.Allocated+stats.Pages.Flushed, 0)
	assert.GreaterOrEqual(t, stats.DiskBytes, int64(0))
	assert.Greater(t, stats.DiskFreeBytes, uint64(0))
}

func TestStatsDiskBytesReflectsFlushedSegments(t *testing.T) {
	opts := newTestOptions(t)
	opts.PageSize = 512
	opts.MemorySize = 512 * 8
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("dk%04d", i))
		value := []byte(fmt.Sprintf("dv%04d", i))
		require.NoError(t, s.Upsert(ctx, key, value))
	}
	s.log.TryAdvanceReadOnly()
	require.NoError(t, s.log.FlushReadyPages(ctx))

	stats := s.Stats()
	assert.Greater(t, stats.DiskBytes, int64(0))
}

func TestListKeysReturnsLiveKeysOnly(t *testing.T) {
	s, err := Open(newTestOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []byte("a"), []byte("1")))
	require.NoError(t, s.Upsert(ctx, []byte("b"), []byte("2")))
	require.NoError(t, s.Upsert(ctx, []byte("c"), []byte("3")))
	require.NoError(t, s.Delete(ctx, []byte("b")))

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)

	got := map[string]bool{}
	for _, k := range keys {
		got[string(k)] = true
	}
	assert.True(t, got["a"])
	assert.True(t, got["c"])
	assert.False(t, got["b"])
}

func TestFoldStopsWhenCallbackReturnsFalse(t *testing.T) {
	s, err := Open(newTestOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Upsert(ctx, []byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}

	visited := 0
	err = s.Fold(ctx, 0, func(_ uint64, _, _ []byte) bool {
		visited++
		return visited < 3
	})
	require.NoError(t, err)
	assert.Equal(t, 3, visited)
}

func TestSecondOpenOfSameDirFailsWithLock(t *testing.T) {
	opts := newTestOptions(t)
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = Open(opts)
	assert.ErrorIs(t, err, ErrDatabaseIsUsing)
}
