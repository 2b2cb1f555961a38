package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/artifact-cache/client"
	"github.com/wolfeidau/artifact-cache/protocol"
	"github.com/wolfeidau/artifact-cache/store/gc"
)

// shortTempDir returns a temp dir with a path short enough for a socket.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "acs")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := shortTempDir(t)
	return Config{
		SocketPath:      filepath.Join(dir, "run", "sock"),
		CacheDir:        filepath.Join(dir, "cache"),
		NoSync:          true,
		LivenessTimeout: 100 * time.Millisecond,
		GC: gc.Config{
			StartupDelay: time.Hour,
		},
	}
}

// startServer builds and serves a daemon, shutting it down on cleanup.
func startServer(t *testing.T, cfg Config, wrap ...func(datagramHandler) datagramHandler) *Server {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	for _, w := range wrap {
		s.handler = w(s.handler)
	}

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-ctx.Done():
			t.Error("Serve did not return after Shutdown")
		}
	})
	return s
}

func newTestClient(t *testing.T, s *Server, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.Dial(s.SocketPath(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServer_RequestsOverSocket(t *testing.T) {
	ctx := context.Background()
	s := startServer(t, testConfig(t))
	c := newTestClient(t, s)

	require.NoError(t, c.Ping(ctx))

	meta, err := c.Put(ctx, []byte("k1"), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)

	data, meta, err := c.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, int64(5), meta.Size)

	_, err = c.Put(ctx, []byte("k1"), []byte("world"))
	require.NoError(t, err)
	data, _, err = c.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), data)

	meta, err = c.Stat(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)

	_, err = c.Evict(ctx, []byte("k1"))
	require.NoError(t, err)
	_, _, err = c.Get(ctx, []byte("k1"))
	require.ErrorIs(t, err, client.ErrMiss)

	_, _, err = c.Get(ctx, []byte("missing"))
	require.ErrorIs(t, err, client.ErrMiss)
}

func TestServer_SocketPermissions(t *testing.T) {
	s := startServer(t, testConfig(t))

	fi, err := os.Stat(s.SocketPath())
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestServer_ShutdownRemovesSocket(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background()) }()

	c, err := client.Dial(cfg.SocketPath)
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
	_ = c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-served)
	assert.NoFileExists(t, cfg.SocketPath)

	// Shutdown is idempotent.
	require.NoError(t, s.Shutdown(ctx))
}

func TestServer_ShutdownWithoutServe(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoFileExists(t, cfg.SocketPath)
}

func TestServer_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	s, err := New(cfg)
	require.NoError(t, err)
	go func() { _ = s.Serve(ctx) }()

	c, err := client.Dial(cfg.SocketPath)
	require.NoError(t, err)
	_, err = c.Put(ctx, []byte("durable"), []byte("survives restart"))
	require.NoError(t, err)
	_ = c.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(shutdownCtx))

	s2 := startServer(t, cfg)
	c2 := newTestClient(t, s2)
	data, _, err := c2.Get(ctx, []byte("durable"))
	require.NoError(t, err)
	assert.Equal(t, []byte("survives restart"), data)
}

// blockingHandler holds every request until released.
type blockingHandler struct {
	next     datagramHandler
	started  chan struct{}
	release  chan struct{}
	handled  atomic.Int64
	finished atomic.Int64
}

func (b *blockingHandler) Handle(ctx context.Context, datagram []byte) []byte {
	b.handled.Add(1)
	b.started <- struct{}{}
	<-b.release
	out := b.next.Handle(ctx, datagram)
	b.finished.Add(1)
	return out
}

func TestServer_DrainsInflightOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	blocking := &blockingHandler{started: make(chan struct{}, 1), release: make(chan struct{})}

	s, err := New(cfg)
	require.NoError(t, err)
	blocking.next = s.handler
	s.handler = blocking

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background()) }()

	c, err := client.Dial(cfg.SocketPath, client.WithTimeout(5*time.Second), client.WithRetries(0))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	pinged := make(chan error, 1)
	go func() { pinged <- c.Ping(context.Background()) }()

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("request was not dispatched")
	}

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownDone <- s.Shutdown(ctx)
	}()

	// The listener stops before the drain completes.
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}

	// A request arriving now is never dispatched.
	late, err := client.Dial(cfg.SocketPath, client.WithTimeout(100*time.Millisecond), client.WithRetries(0))
	require.NoError(t, err)
	require.ErrorIs(t, late.Ping(context.Background()), client.ErrTimeout)
	_ = late.Close()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown finished before the in-flight request")
	default:
	}
	assert.FileExists(t, cfg.SocketPath)

	close(blocking.release)

	// The in-flight response is still delivered.
	require.NoError(t, <-pinged)
	require.NoError(t, <-shutdownDone)
	assert.Equal(t, int64(1), blocking.handled.Load())
	assert.Equal(t, int64(1), blocking.finished.Load())
	assert.NoFileExists(t, cfg.SocketPath)
}

func TestServer_LiveSocketIsNotReplaced(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	second := cfg
	second.CacheDir = filepath.Join(shortTempDir(t), "cache")
	_, err := New(second)
	require.ErrorIs(t, err, ErrSocketInUse)

	// The first daemon still answers.
	c, err := client.Dial(cfg.SocketPath)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	require.NoError(t, c.Ping(context.Background()))
}

func TestServer_StaleSocketIsReplaced(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755))

	// A datagram socket closed without unlinking leaves its file behind,
	// like a crashed daemon.
	stale, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: cfg.SocketPath, Net: "unixgram"})
	require.NoError(t, err)
	require.NoError(t, stale.Close())
	require.FileExists(t, cfg.SocketPath)

	s := startServer(t, cfg)
	c := newTestClient(t, s)
	require.NoError(t, c.Ping(context.Background()))
}

func TestServer_StartupFaults(t *testing.T) {
	t.Run("no socket parent", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.SocketPath = ""
		_, err := New(cfg)
		require.ErrorIs(t, err, ErrNoSocketParent)
	})

	t.Run("uncreatable socket parent", func(t *testing.T) {
		cfg := testConfig(t)
		blocker := filepath.Join(shortTempDir(t), "file")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
		cfg.SocketPath = filepath.Join(blocker, "sub", "sock")
		_, err := New(cfg)
		require.ErrorIs(t, err, ErrCreateSocketParent)
	})

	t.Run("path is not a socket", func(t *testing.T) {
		cfg := testConfig(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755))
		require.NoError(t, os.WriteFile(cfg.SocketPath, []byte("x"), 0o644))
		_, err := New(cfg)
		require.ErrorIs(t, err, ErrBindSocket)
		assert.FileExists(t, cfg.SocketPath)
	})

	t.Run("unreadable index", func(t *testing.T) {
		cfg := testConfig(t)
		require.NoError(t, os.MkdirAll(cfg.CacheDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(cfg.CacheDir, "entries.db"), []byte(strings.Repeat("garbage", 1000)), 0o600))
		_, err := New(cfg)
		require.ErrorIs(t, err, ErrOpenEntries)
		assert.NoFileExists(t, cfg.SocketPath)
	})

	t.Run("unknown index engine", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.IndexEngine = "leveldb"
		_, err := New(cfg)
		require.ErrorIs(t, err, ErrOpenEntries)
	})
}

func TestServer_UnboundSenderStillExecutes(t *testing.T) {
	ctx := context.Background()
	s := startServer(t, testConfig(t))

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: s.SocketPath(), Net: "unixgram"})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write(protocol.EncodeRequest(&protocol.Request{
		Op:      protocol.OpPut,
		Key:     []byte("fire-and-forget"),
		Payload: []byte("v"),
	}))
	require.NoError(t, err)

	c := newTestClient(t, s)
	assert.Eventually(t, func() bool {
		_, err := c.Stat(ctx, []byte("fire-and-forget"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_PayloadOverInlineLimit(t *testing.T) {
	s := startServer(t, testConfig(t))
	c := newTestClient(t, s)

	// Fits in a datagram but exceeds the inline payload limit.
	_, err := c.Put(context.Background(), []byte("big"), make([]byte, protocol.MaxPayloadSize+1))
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, protocol.StatusTooLarge, se.Status)

	_, err = c.Stat(context.Background(), []byte("big"))
	require.ErrorIs(t, err, client.ErrMiss)
}

func TestServer_OversizedRawDatagram(t *testing.T) {
	s := startServer(t, testConfig(t))

	dir := shortTempDir(t)
	conn, err := net.DialUnix("unixgram",
		&net.UnixAddr{Name: filepath.Join(dir, "c"), Net: "unixgram"},
		&net.UnixAddr{Name: s.SocketPath(), Net: "unixgram"})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write(make([]byte, protocol.MaxDatagramSize+100))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusTooLarge, resp.Status)
}

func TestServer_AdminEndpoints(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.AdminAddress = "127.0.0.1:0"
	cfg.AdminToken = "secret"
	s := startServer(t, cfg)

	c := newTestClient(t, s)
	_, err := c.Put(ctx, []byte("k"), []byte("12345"))
	require.NoError(t, err)

	base := "http://" + s.AdminAddress()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/stats")
	require.NoError(t, err)
	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	_ = resp.Body.Close()
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(5), stats.TotalBytes)

	resp, err = http.Post(base+"/gc", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, base+"/gc", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var result gc.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, result.Errors)
}

func TestServer_ServeTwice(t *testing.T) {
	s := startServer(t, testConfig(t))

	// Let the first Serve claim the loop.
	c := newTestClient(t, s)
	require.NoError(t, c.Ping(context.Background()))

	require.Error(t, s.Serve(context.Background()))
}

func TestServer_ShutdownDeadlineLeavesHandlersRunning(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	blocking := &blockingHandler{started: make(chan struct{}, 1), release: make(chan struct{})}

	s, err := New(cfg)
	require.NoError(t, err)
	blocking.next = s.handler
	s.handler = blocking

	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()

	c, err := client.Dial(cfg.SocketPath, client.WithTimeout(5*time.Second), client.WithRetries(0))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	put := make(chan error, 1)
	go func() {
		_, err := c.Put(ctx, []byte("late"), []byte("still stored"))
		put <- err
	}()

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("request was not dispatched")
	}

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err = s.Shutdown(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, <-served)

	// Storage and the socket stay open for the dispatched handler.
	assert.FileExists(t, cfg.SocketPath)
	close(blocking.release)
	require.NoError(t, <-put, "in-flight put must be answered")

	long, cancelLong := context.WithTimeout(ctx, 5*time.Second)
	defer cancelLong()
	require.NoError(t, s.Shutdown(long))
	assert.NoFileExists(t, cfg.SocketPath)

	// The late put reached the index and the content store.
	s2 := startServer(t, cfg)
	c2 := newTestClient(t, s2)
	data, _, err := c2.Get(ctx, []byte("late"))
	require.NoError(t, err)
	assert.Equal(t, []byte("still stored"), data)
}

func TestServer_ShutdownStopsComponentsAfterCallerDeadline(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	s.gcMgr.Start(context.Background())

	// Nothing is in flight, so an expired deadline does not fail the
	// component shutdown that follows the drain.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoFileExists(t, cfg.SocketPath)
}
