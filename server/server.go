// Package server runs the artifact cache daemon: it owns the datagram
// socket, dispatches requests to the protocol handler and coordinates an
// orderly shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/artifact-cache/backend"
	"github.com/wolfeidau/artifact-cache/client"
	"github.com/wolfeidau/artifact-cache/protocol"
	"github.com/wolfeidau/artifact-cache/store"
	"github.com/wolfeidau/artifact-cache/store/gc"
	"github.com/wolfeidau/artifact-cache/store/index"
	"github.com/wolfeidau/artifact-cache/telemetry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// Startup faults. New wraps the underlying cause with one of these.
var (
	ErrOpenEntries        = errors.New("opening entries index")
	ErrNoSocketParent     = errors.New("socket path has no parent directory")
	ErrCreateSocketParent = errors.New("creating socket directory")
	ErrBindSocket         = errors.New("binding socket")
	ErrSocketInUse        = errors.New("socket is owned by a running daemon")
)

// Config holds server configuration.
type Config struct {
	// SocketPath is where the datagram socket is bound.
	SocketPath string

	// CacheDir holds the entries index files.
	CacheDir string

	// DataDir holds the blob files. Defaults to CacheDir/data.
	DataDir string

	// IndexEngine selects the entries index engine ("bolt" or "sqlite").
	IndexEngine string

	// MaxConcurrent bounds concurrently executing handlers.
	// Default: 4 * GOMAXPROCS.
	MaxConcurrent int

	// FlushInterval is how often coalesced access times are written.
	// Default: 5 seconds.
	FlushInterval time.Duration

	// NoSync disables fsync on index commits. Testing only.
	NoSync bool

	// LivenessTimeout bounds the liveness check of an existing socket file.
	// Default: 1 second.
	LivenessTimeout time.Duration

	// GC configures reclamation.
	GC gc.Config

	// AdminAddress enables the admin HTTP server (health, stats, metrics,
	// manual reclamation) when set.
	AdminAddress string

	// AdminToken, when set, is required as a Bearer token for mutating
	// admin endpoints.
	AdminToken string

	// Logger for the server
	Logger *slog.Logger
}

// datagramHandler turns one request datagram into one response datagram.
type datagramHandler interface {
	Handle(ctx context.Context, datagram []byte) []byte
}

// Server is the artifact cache daemon.
type Server struct {
	config Config
	logger *slog.Logger

	// Components
	conn    *net.UnixConn
	store   *store.CAFS
	index   *index.Coalescer
	handler datagramHandler
	gcMgr   *gc.Manager
	admin   *http.Server
	adminLn net.Listener

	coord        *Coordinator
	workers      *semaphore.Weighted
	serving      atomic.Bool
	serveDone    chan struct{}

	shutdownMu sync.Mutex
	closed     bool
	closeErr   error
}

// componentStopTimeout bounds stopping the admin server and reclamation
// once requests have drained.
const componentStopTimeout = 10 * time.Second

// New opens the index and content store and binds the socket. Any failure
// is a startup fault and leaves nothing open.
func New(cfg Config) (s *Server, err error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.CacheDir, "data")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4 * runtime.GOMAXPROCS(0)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = index.DefaultFlushInterval
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = time.Second
	}

	s = &Server{
		config:    cfg,
		logger:    cfg.Logger,
		coord:     NewCoordinator(),
		workers:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		serveDone: make(chan struct{}),
	}

	// Release whatever was opened if a later step fails.
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	// Initialize entries index
	idx, err := index.Open(cfg.IndexEngine, cfg.CacheDir,
		index.WithLogger(cfg.Logger.With("component", "index")),
		index.WithNoSync(cfg.NoSync),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenEntries, err)
	}
	s.index = index.NewCoalescer(idx,
		index.WithFlushInterval(cfg.FlushInterval),
		index.WithCoalescerLogger(cfg.Logger.With("component", "index")),
	)
	closers = append(closers, s.index.Close)

	// Initialize storage backend
	fsBackend, err := backend.NewFilesystem(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	cafs, err := store.NewCAFS(backend.NewInstrumentedBackend(fsBackend, "filesystem"),
		store.WithLogger(cfg.Logger.With("component", "store")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating content store: %w", err)
	}
	s.store = cafs
	closers = append(closers, cafs.Close)

	s.handler = protocol.NewHandler(s.index, s.store,
		protocol.WithLogger(cfg.Logger.With("component", "protocol")),
	)

	s.gcMgr = gc.New(s.index, s.store, cfg.GC,
		gc.WithLogger(cfg.Logger.With("component", "gc")),
		gc.WithMetrics(telemetry.Meter()),
	)

	// Bind the socket last so a failure above never leaves a socket file.
	conn, err := s.bind()
	if err != nil {
		return nil, err
	}
	s.conn = conn
	closers = append(closers, func() error {
		_ = conn.Close()
		return os.Remove(cfg.SocketPath)
	})

	if cfg.AdminAddress != "" {
		ln, err := net.Listen("tcp", cfg.AdminAddress)
		if err != nil {
			return nil, fmt.Errorf("listening on admin address: %w", err)
		}
		s.adminLn = ln
		s.admin = s.newAdminServer()
		closers = append(closers, ln.Close)
	}

	return s, nil
}

// bind creates the socket's parent directory, clears a stale socket file
// and binds the datagram socket with owner-only permissions.
func (s *Server) bind() (*net.UnixConn, error) {
	path := s.config.SocketPath
	if path == "" {
		return nil, ErrNoSocketParent
	}
	dir := filepath.Dir(path)
	if dir == path || filepath.Base(path) == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: %s", ErrNoSocketParent, path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateSocketParent, err)
	}

	if err := s.clearStaleSocket(path); err != nil {
		return nil, err
	}

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBindSocket, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = conn.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: setting socket permissions: %w", ErrBindSocket, err)
	}
	return conn, nil
}

// clearStaleSocket removes a socket file left by a daemon that is no longer
// running. A file that answers a ping belongs to a live daemon and is kept.
func (s *Server) clearStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBindSocket, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s exists and is not a socket", ErrBindSocket, path)
	}

	alive, err := checkSocketLive(path, s.config.LivenessTimeout)
	if err != nil {
		return fmt.Errorf("%w: probing existing socket: %w", ErrBindSocket, err)
	}
	if alive {
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}

	s.logger.Info("removing stale socket", "path", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing stale socket: %w", ErrBindSocket, err)
	}
	return nil
}

// checkSocketLive pings the socket at path. A refused connection or an
// unanswered ping means no daemon owns it.
func checkSocketLive(path string, timeout time.Duration) (bool, error) {
	c, err := client.Dial(path, client.WithTimeout(timeout), client.WithRetries(1))
	if err != nil {
		if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*timeout)
	defer cancel()

	err = c.Ping(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, client.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, unix.ECONNREFUSED):
		return false, nil
	default:
		// Any decoded response, even an error status, means something is
		// listening.
		var se *client.StatusError
		if errors.As(err, &se) {
			return true, nil
		}
		return false, err
	}
}

// Serve runs the listener loop until Shutdown is called. It also starts
// reclamation and, when configured, the admin HTTP server.
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("server is already serving")
	}
	defer close(s.serveDone)

	if s.coord.Stopping() {
		return nil
	}

	s.gcMgr.Start(ctx)

	if s.admin != nil {
		go func() {
			s.logger.Info("starting admin server", "address", s.adminLn.Addr().String())
			if err := s.admin.Serve(s.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("admin server failed", "error", err)
			}
		}()
	}

	s.logger.Info("serving",
		"socket", s.config.SocketPath,
		"cache_dir", s.config.CacheDir,
		"data_dir", s.config.DataDir,
		"index_engine", s.config.IndexEngine,
		"max_concurrent", s.config.MaxConcurrent,
	)

	// One byte more than the limit so oversized datagrams are detectable.
	buf := make([]byte, protocol.MaxDatagramSize+1)
	for {
		if s.coord.Stopping() {
			return nil
		}

		n, addr, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			if s.coord.Stopping() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("receiving datagram: %w", err)
		}

		if n > protocol.MaxDatagramSize {
			telemetry.RecordDropped(ctx, "oversized")
			s.reply(addr, protocol.EncodeResponse(&protocol.Response{
				Status:  protocol.StatusTooLarge,
				Message: "request exceeds datagram limit",
			}))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		// Blocks while all workers are busy, which pushes back on senders.
		if err := s.workers.Acquire(context.Background(), 1); err != nil {
			return fmt.Errorf("acquiring worker: %w", err)
		}
		if !s.coord.Begin() {
			s.workers.Release(1)
			telemetry.RecordDropped(ctx, "stopping")
			return nil
		}

		go s.dispatch(datagram, addr)
	}
}

// dispatch runs one request to completion. Handlers are never cancelled,
// so the context is detached from shutdown.
func (s *Server) dispatch(datagram []byte, addr *net.UnixAddr) {
	ctx := context.Background()
	telemetry.AddInFlight(ctx, 1)
	defer func() {
		telemetry.AddInFlight(ctx, -1)
		s.workers.Release(1)
		s.coord.Done()
	}()

	s.reply(addr, s.handler.Handle(ctx, datagram))
}

func (s *Server) reply(addr *net.UnixAddr, out []byte) {
	if addr == nil || addr.Name == "" {
		telemetry.RecordDropped(context.Background(), "unbound_sender")
		s.logger.Warn("sender has no address, response dropped")
		return
	}
	if _, err := s.conn.WriteToUnix(out, addr); err != nil {
		telemetry.RecordDropped(context.Background(), "send_failed")
		s.logger.Warn("sending response failed", "addr", addr.Name, "error", err)
	}
}

// Shutdown stops accepting requests, waits for in-flight handlers, then
// closes storage and removes the socket file.
//
// If ctx expires before the drain completes, Shutdown returns the context
// error and leaves storage and the socket open, so handlers already
// dispatched still finish and reply. Call Shutdown again to complete it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.closed {
		return s.closeErr
	}

	s.logger.Info("shutting down server")

	// Stop new work and wake the listener from its receive.
	if s.coord.Stop() {
		if err := s.conn.SetReadDeadline(time.Now()); err != nil {
			s.logger.Warn("waking listener failed", "error", err)
		}
	}

	if s.serving.Load() {
		select {
		case <-s.serveDone:
		default:
			select {
			case <-s.serveDone:
			case <-ctx.Done():
				return fmt.Errorf("waiting for listener: %w", ctx.Err())
			}
		}
	}

	if err := s.coord.Wait(ctx); err != nil {
		s.logger.Warn("in-flight requests did not finish before deadline, storage left open",
			"in_flight", s.coord.InFlight(),
			"error", err,
		)
		return fmt.Errorf("draining requests: %w", err)
	}

	s.closed = true
	s.closeErr = s.close()
	s.logger.Info("server stopped")
	return s.closeErr
}

// close releases everything once no handler can run. Every step runs even
// if an earlier one fails. Background components get their own deadline,
// independent of how much of the caller's was spent draining.
func (s *Server) close() error {
	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), componentStopTimeout)
	defer cancel()

	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping admin server: %w", err))
		}
	}

	if err := s.gcMgr.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping gc: %w", err))
	}

	if err := s.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing index: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("closing socket: %w", err))
	}
	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("removing socket: %w", err))
	}

	return errors.Join(errs...)
}

// SocketPath returns the bound socket path.
func (s *Server) SocketPath() string {
	return s.config.SocketPath
}

// AdminAddress returns the admin server's listen address, or "" when the
// admin server is disabled.
func (s *Server) AdminAddress() string {
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}
