package index

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	artifactcache "github.com/wolfeidau/artifact-cache"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// engines runs fn once per index engine.
func engines(t *testing.T, fn func(t *testing.T, idx Index)) {
	t.Helper()
	for _, engine := range []string{EngineBolt, EngineSQLite} {
		t.Run(engine, func(t *testing.T) {
			idx, err := Open(engine, t.TempDir(), WithNoSync(true), WithNow(func() time.Time { return baseTime.Add(time.Hour) }))
			require.NoError(t, err)
			t.Cleanup(func() { _ = idx.Close() })
			fn(t, idx)
		})
	}
}

func testEntry(content string, at time.Time) Entry {
	return Entry{
		Hash:       artifactcache.HashBytes([]byte(content)),
		Size:       int64(len(content)),
		CreatedAt:  at,
		LastAccess: at,
	}
}

func assertEntry(t *testing.T, want Entry, got *Entry) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.Hash, got.Hash)
	assert.Equal(t, want.Size, got.Size)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %s got %s", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.LastAccess.Equal(got.LastAccess), "last_access: want %s got %s", want.LastAccess, got.LastAccess)
}

func scanKeys(t *testing.T, idx Index) []string {
	t.Helper()
	var keys []string
	err := idx.Scan(context.Background(), func(key []byte, _ Entry) error {
		keys = append(keys, string(key))
		return nil
	})
	require.NoError(t, err)
	return keys
}

func TestIndex_InsertPeek(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		e := testEntry("hello", baseTime)

		previous, err := idx.Insert(ctx, []byte("build/abc"), e)
		require.NoError(t, err)
		assert.Nil(t, previous)

		got, err := idx.Peek(ctx, []byte("build/abc"))
		require.NoError(t, err)
		assertEntry(t, e, got)

		_, err = idx.Peek(ctx, []byte("missing"))
		require.ErrorIs(t, err, ErrMiss)
	})
}

func TestIndex_InsertReturnsPrevious(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		first := testEntry("one", baseTime)
		second := testEntry("second value", baseTime.Add(time.Minute))

		_, err := idx.Insert(ctx, []byte("k"), first)
		require.NoError(t, err)

		previous, err := idx.Insert(ctx, []byte("k"), second)
		require.NoError(t, err)
		assertEntry(t, first, previous)

		got, err := idx.Peek(ctx, []byte("k"))
		require.NoError(t, err)
		assertEntry(t, second, got)

		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Entries)
		assert.Equal(t, second.Size, stats.TotalBytes)
	})
}

func TestIndex_BinaryKeys(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		key := []byte{0x00, 0xff, 0x10, 0x00}
		e := testEntry("binary", baseTime)

		_, err := idx.Insert(ctx, key, e)
		require.NoError(t, err)

		got, err := idx.Peek(ctx, key)
		require.NoError(t, err)
		assertEntry(t, e, got)

		_, err = idx.Peek(ctx, key[:3])
		require.ErrorIs(t, err, ErrMiss)
	})
}

func TestIndex_Remove(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		e := testEntry("gone soon", baseTime)
		_, err := idx.Insert(ctx, []byte("k"), e)
		require.NoError(t, err)

		removed, err := idx.Remove(ctx, []byte("k"))
		require.NoError(t, err)
		assertEntry(t, e, removed)

		_, err = idx.Peek(ctx, []byte("k"))
		require.ErrorIs(t, err, ErrMiss)

		_, err = idx.Remove(ctx, []byte("k"))
		require.ErrorIs(t, err, ErrMiss)

		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)
		assert.Empty(t, scanKeys(t, idx))
	})
}

func TestIndex_LookupRecordsAccess(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		e := testEntry("accessed", baseTime)
		_, err := idx.Insert(ctx, []byte("k"), e)
		require.NoError(t, err)

		got, err := idx.Lookup(ctx, []byte("k"))
		require.NoError(t, err)
		assert.True(t, got.LastAccess.Equal(baseTime.Add(time.Hour)))
		assert.True(t, got.CreatedAt.Equal(baseTime))

		peeked, err := idx.Peek(ctx, []byte("k"))
		require.NoError(t, err)
		assert.True(t, peeked.LastAccess.Equal(baseTime.Add(time.Hour)))

		_, err = idx.Lookup(ctx, []byte("missing"))
		require.ErrorIs(t, err, ErrMiss)
	})
}

func TestIndex_TouchOnlyAdvances(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		_, err := idx.Insert(ctx, []byte("k"), testEntry("v", baseTime))
		require.NoError(t, err)

		require.NoError(t, idx.Touch(ctx, map[string]time.Time{
			"k":       baseTime.Add(-time.Hour),
			"missing": baseTime.Add(time.Hour),
		}))
		got, err := idx.Peek(ctx, []byte("k"))
		require.NoError(t, err)
		assert.True(t, got.LastAccess.Equal(baseTime))

		require.NoError(t, idx.Touch(ctx, map[string]time.Time{"k": baseTime.Add(time.Minute)}))
		got, err = idx.Peek(ctx, []byte("k"))
		require.NoError(t, err)
		assert.True(t, got.LastAccess.Equal(baseTime.Add(time.Minute)))

		_, err = idx.Peek(ctx, []byte("missing"))
		require.ErrorIs(t, err, ErrMiss)
	})
}

func TestIndex_ScanAccessOrder(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		_, err := idx.Insert(ctx, []byte("c"), testEntry("c", baseTime.Add(3*time.Minute)))
		require.NoError(t, err)
		_, err = idx.Insert(ctx, []byte("a"), testEntry("a", baseTime.Add(1*time.Minute)))
		require.NoError(t, err)
		_, err = idx.Insert(ctx, []byte("b"), testEntry("b", baseTime.Add(2*time.Minute)))
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "b", "c"}, scanKeys(t, idx))

		require.NoError(t, idx.Touch(ctx, map[string]time.Time{"a": baseTime.Add(10 * time.Minute)}))
		assert.Equal(t, []string{"b", "c", "a"}, scanKeys(t, idx))
	})
}

func TestIndex_ScanManyPages(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		const n = scanPageSize*2 + 17
		for i := range n {
			key := fmt.Sprintf("key-%04d", i)
			_, err := idx.Insert(ctx, []byte(key), testEntry(key, baseTime.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}

		keys := scanKeys(t, idx)
		require.Len(t, keys, n)
		assert.Equal(t, "key-0000", keys[0])
		assert.Equal(t, fmt.Sprintf("key-%04d", n-1), keys[n-1])
	})
}

func TestIndex_ScanCallbackMayMutate(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		for i := range 10 {
			key := fmt.Sprintf("k%d", i)
			_, err := idx.Insert(ctx, []byte(key), testEntry(key, baseTime.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}

		err := idx.Scan(ctx, func(key []byte, _ Entry) error {
			_, err := idx.Remove(ctx, key)
			return err
		})
		require.NoError(t, err)

		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Entries)
	})
}

func TestIndex_ScanStop(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		for i := range 5 {
			key := fmt.Sprintf("k%d", i)
			_, err := idx.Insert(ctx, []byte(key), testEntry(key, baseTime.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}

		var visited int
		err := idx.Scan(ctx, func(_ []byte, _ Entry) error {
			visited++
			if visited == 2 {
				return ErrStopScan
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, visited)

		boom := fmt.Errorf("boom")
		err = idx.Scan(ctx, func(_ []byte, _ Entry) error { return boom })
		require.ErrorIs(t, err, boom)
	})
}

func TestIndex_Stats(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		_, err := idx.Insert(ctx, []byte("a"), testEntry("aaaa", baseTime))
		require.NoError(t, err)
		_, err = idx.Insert(ctx, []byte("b"), testEntry("bbbbbb", baseTime))
		require.NoError(t, err)

		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Entries: 2, TotalBytes: 10}, stats)
	})
}

func TestIndex_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	engines(t, func(t *testing.T, idx Index) {
		var wg sync.WaitGroup
		for w := range 8 {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := range 20 {
					key := []byte(fmt.Sprintf("w%d-%d", w, i))
					_, err := idx.Insert(ctx, key, testEntry(string(key), baseTime))
					assert.NoError(t, err)
					_, err = idx.Lookup(ctx, key)
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(160), stats.Entries)
	})
}

func TestIndex_Reopen(t *testing.T) {
	ctx := context.Background()
	for _, engine := range []string{EngineBolt, EngineSQLite} {
		t.Run(engine, func(t *testing.T) {
			dir := t.TempDir()
			e := testEntry("durable", baseTime)

			idx, err := Open(engine, dir)
			require.NoError(t, err)
			_, err = idx.Insert(ctx, []byte("k"), e)
			require.NoError(t, err)
			require.NoError(t, idx.Close())

			idx, err = Open(engine, dir)
			require.NoError(t, err)
			t.Cleanup(func() { _ = idx.Close() })

			got, err := idx.Peek(ctx, []byte("k"))
			require.NoError(t, err)
			assertEntry(t, e, got)
		})
	}
}

func TestOpen_UnknownEngine(t *testing.T) {
	_, err := Open("leveldb", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown index engine")
}

func TestOpen_FilePaths(t *testing.T) {
	dir := t.TempDir()

	idx, err := Open(EngineBolt, dir)
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	assert.FileExists(t, filepath.Join(dir, "entries.db"))

	idx, err = Open(EngineSQLite, dir)
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	assert.FileExists(t, filepath.Join(dir, "entries.sqlite"))
}

func TestIndex_UseAfterCloseFails(t *testing.T) {
	engines(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		_, err := idx.Insert(ctx, []byte("k"), testEntry("v", baseTime))
		require.NoError(t, err)
		require.NoError(t, idx.Close())

		// A caller still holding the index gets an error, not a crash.
		assert.NotPanics(t, func() {
			_, err = idx.Peek(ctx, []byte("k"))
		})
		require.Error(t, err)
		assert.NotPanics(t, func() {
			_, err = idx.Insert(ctx, []byte("k2"), testEntry("v2", baseTime))
		})
		require.Error(t, err)
		require.NoError(t, idx.Close())
	})
}
