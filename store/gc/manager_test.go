package gc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/backend"
	"github.com/wolfeidau/artifact-cache/store"
	"github.com/wolfeidau/artifact-cache/store/index"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type testEnv struct {
	index index.Index
	cafs  *store.CAFS
	fs    *backend.Filesystem
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{now: time.Now()}

	idx := index.NewBoltIndex(index.WithNoSync(true))
	require.NoError(t, idx.Open(filepath.Join(t.TempDir(), "entries.db")))
	t.Cleanup(func() { _ = idx.Close() })
	env.index = idx

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	env.fs = fs

	cafs, err := store.NewCAFS(fs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cafs.Close() })
	env.cafs = cafs

	return env
}

func (env *testEnv) manager(config Config, opts ...ManagerOption) *Manager {
	opts = append([]ManagerOption{WithNow(func() time.Time { return env.now })}, opts...)
	return New(env.index, env.cafs, config, opts...)
}

// put stores content under key with the given access time.
func (env *testEnv) put(t *testing.T, key, content string, accessed time.Time) artifactcache.Hash {
	t.Helper()
	ctx := context.Background()
	h, err := env.cafs.Put(ctx, []byte(content))
	require.NoError(t, err)
	_, err = env.index.Insert(ctx, []byte(key), index.Entry{
		Hash:       h,
		Size:       int64(len(content)),
		CreatedAt:  accessed,
		LastAccess: accessed,
	})
	require.NoError(t, err)
	return h
}

// age backdates a blob file so it falls outside the grace period.
func (env *testEnv) age(t *testing.T, h artifactcache.Hash, d time.Duration) {
	t.Helper()
	path := filepath.Join(env.fs.Root(), artifactcache.BlobStorageKey(h))
	old := env.now.Add(-d)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestManager_SweepsOrphanAfterGracePeriod(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// A blob published by a Put whose entry insert never happened.
	orphan, err := env.cafs.Put(ctx, []byte("orphaned content"))
	require.NoError(t, err)
	kept := env.put(t, "kept", "referenced content", env.now)
	env.age(t, kept, time.Hour)

	mgr := env.manager(DefaultConfig())

	// Inside the grace period the orphan survives.
	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.OrphanBlobsDeleted)
	has, err := env.cafs.Has(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, has)

	env.age(t, orphan, time.Hour)
	result, err = mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphanBlobsDeleted)
	assert.Positive(t, result.BytesReclaimed)
	assert.Empty(t, result.Errors)

	has, err = env.cafs.Has(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, has)

	data, err := env.cafs.Get(ctx, kept)
	require.NoError(t, err)
	assert.Equal(t, []byte("referenced content"), data)
}

// statHookBackend runs onStat the first time the blob at key is statted.
type statHookBackend struct {
	backend.Backend
	key    string
	once   sync.Once
	onStat func()
}

func (b *statHookBackend) Stat(ctx context.Context, key string) (backend.Info, error) {
	if key == b.key {
		b.once.Do(b.onStat)
	}
	return b.Backend.Stat(ctx, key)
}

func TestManager_SweepDoesNotRaceConcurrentPut(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	content := []byte("shared content")
	h, err := env.cafs.Put(ctx, content)
	require.NoError(t, err)
	env.age(t, h, time.Hour)

	// A put of the same content arrives while the sweep is checking the
	// blob's age, the way the request handler stores it.
	putDone := make(chan error, 1)
	hooked := &statHookBackend{Backend: env.fs, key: artifactcache.BlobStorageKey(h)}
	cafs, err := store.NewCAFS(hooked)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cafs.Close() })

	hooked.onStat = func() {
		go func() {
			_, release, err := cafs.PutPinned(ctx, content)
			defer release()
			if err != nil {
				putDone <- err
				return
			}
			_, err = env.index.Insert(ctx, []byte("k"), index.Entry{
				Hash:       h,
				Size:       int64(len(content)),
				CreatedAt:  env.now,
				LastAccess: env.now,
			})
			putDone <- err
		}()
		// Give the put every chance to finish inside the sweep's window.
		select {
		case err := <-putDone:
			putDone <- err
		case <-time.After(100 * time.Millisecond):
		}
	}

	mgr := New(env.index, cafs, DefaultConfig(), WithNow(func() time.Time { return env.now }))
	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)

	select {
	case err := <-putDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent put did not finish")
	}

	entry, err := env.index.Peek(ctx, []byte("k"))
	require.NoError(t, err)
	data, err := cafs.Get(ctx, entry.Hash)
	require.NoError(t, err, "visible entry must reference a stored blob")
	assert.Equal(t, content, data)
}

func TestManager_EvictedEntryBlobIsSwept(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	h := env.put(t, "evicted", "soon unreferenced", env.now)
	_, err := env.index.Remove(ctx, []byte("evicted"))
	require.NoError(t, err)
	env.age(t, h, time.Hour)

	result, err := env.manager(DefaultConfig()).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphanBlobsDeleted)
}

func TestManager_SharedBlobSurvivesEviction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	h := env.put(t, "a", "same bytes", env.now)
	env.put(t, "b", "same bytes", env.now)
	env.age(t, h, time.Hour)

	_, err := env.index.Remove(ctx, []byte("a"))
	require.NoError(t, err)

	result, err := env.manager(DefaultConfig()).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.OrphanBlobsDeleted)

	data, err := env.cafs.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []byte("same bytes"), data)
}

func TestManager_BudgetEviction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	base := env.now.Add(-time.Hour)
	env.put(t, "oldest", "0123456789", base)
	env.put(t, "middle", "abcdefghij", base.Add(time.Minute))
	env.put(t, "newest", "ABCDEFGHIJ", base.Add(2*time.Minute))

	config := DefaultConfig()
	config.MaxCacheBytes = 20

	result, err := env.manager(config).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.BudgetEvicted)

	_, err = env.index.Peek(ctx, []byte("oldest"))
	require.ErrorIs(t, err, index.ErrMiss)
	_, err = env.index.Peek(ctx, []byte("middle"))
	require.NoError(t, err)
	_, err = env.index.Peek(ctx, []byte("newest"))
	require.NoError(t, err)

	stats, err := env.index.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.TotalBytes, config.MaxCacheBytes)
}

func TestManager_BudgetEvictionRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	base := env.now.Add(-time.Hour)
	for i, key := range []string{"a", "b", "c", "d"} {
		env.put(t, key, key+"-content", base.Add(time.Duration(i)*time.Minute))
	}

	config := DefaultConfig()
	config.MaxCacheBytes = 1
	config.BatchSize = 2

	result, err := env.manager(config).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.BudgetEvicted)

	stats, err := env.index.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entries)
}

func TestManager_ExpireUnused(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.put(t, "stale", "stale content", env.now.Add(-48*time.Hour))
	env.put(t, "fresh", "fresh content", env.now.Add(-time.Minute))

	config := DefaultConfig()
	config.MaxUnusedAge = 24 * time.Hour

	result, err := env.manager(config).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpiredEvicted)

	_, err = env.index.Peek(ctx, []byte("stale"))
	require.ErrorIs(t, err, index.ErrMiss)
	_, err = env.index.Peek(ctx, []byte("fresh"))
	require.NoError(t, err)
}

func TestManager_SkipsEntryAccessedDuringScan(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.put(t, "k", "content", env.now.Add(-48*time.Hour))

	coalescer := index.NewCoalescer(env.index, index.WithFlushInterval(time.Hour))
	t.Cleanup(func() { _ = coalescer.Close() })
	_, err := coalescer.Lookup(ctx, []byte("k"))
	require.NoError(t, err)

	config := DefaultConfig()
	config.MaxUnusedAge = 24 * time.Hour

	result, err := New(coalescer, env.cafs, config, WithNow(func() time.Time { return env.now })).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExpiredEvicted)
}

func TestManager_RemovesStaleTempFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	dir := filepath.Join(env.fs.Root(), "blobs", "ab")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	tmp := filepath.Join(dir, ".tmp-123")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))
	old := env.now.Add(-time.Hour)
	require.NoError(t, os.Chtimes(tmp, old, old))

	result, err := env.manager(DefaultConfig()).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.StaleTempDeleted)
	assert.NoFileExists(t, tmp)
}

func TestManager_StartStop(t *testing.T) {
	env := newTestEnv(t)

	config := DefaultConfig()
	config.StartupDelay = 0
	config.Interval = 10 * time.Millisecond

	mgr := env.manager(config)
	mgr.Start(context.Background())

	assert.Eventually(t, func() bool {
		return mgr.Status() != nil
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Stop(ctx))

	// Stopping twice is harmless.
	require.NoError(t, mgr.Stop(ctx))
}

func TestManager_StopDuringStartupDelay(t *testing.T) {
	env := newTestEnv(t)

	mgr := env.manager(DefaultConfig())
	mgr.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Stop(ctx))
	assert.Nil(t, mgr.Status())
}

func TestManager_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	mgr := env.manager(DefaultConfig(), WithMetrics(provider.Meter("test")))
	_, err := mgr.RunNow(ctx)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["artifact_cache_gc_runs_total"])
	assert.True(t, names["artifact_cache_gc_last_run_success"])
}
