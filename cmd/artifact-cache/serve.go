package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/wolfeidau/artifact-cache/server"
	"github.com/wolfeidau/artifact-cache/store/gc"
	"github.com/wolfeidau/artifact-cache/telemetry"
)

// ServeCmd runs the daemon until SIGINT or SIGTERM.
type ServeCmd struct {
	CacheDir        string        `help:"Directory holding the entries index." default:"${cache_dir}" type:"path"`
	DataDir         string        `help:"Directory holding blobs (default: <cache-dir>/data)." type:"path"`
	IndexEngine     string        `help:"Entries index engine." default:"bolt" enum:"bolt,sqlite"`
	MaxConcurrent   int           `help:"Maximum concurrently executing requests (default: 4 x GOMAXPROCS)."`
	FlushInterval   time.Duration `help:"How often coalesced access times are written." default:"5s"`
	ShutdownTimeout time.Duration `help:"How long to wait for in-flight requests on shutdown." default:"30s"`

	GCInterval     time.Duration `name:"gc-interval" help:"Time between reclamation runs." default:"10m"`
	GCStartupDelay time.Duration `name:"gc-startup-delay" help:"Delay before the first reclamation run." default:"1m"`
	GCGracePeriod  time.Duration `name:"gc-grace-period" help:"Minimum age of an unreferenced blob or temp file before it is deleted." default:"10m"`
	GCBatchSize    int           `name:"gc-batch-size" help:"Maximum entries evicted per phase of one run." default:"1000"`
	MaxCacheSize   int64         `help:"Evict least recently used entries above this many bytes (0 disables)." default:"0"`
	MaxUnusedAge   time.Duration `help:"Evict entries not accessed for this long (0 disables)." default:"0"`

	AdminAddress string `help:"Listen address for the admin HTTP server (health, stats, metrics, gc). Disabled when empty."`
	AdminToken   string `help:"Bearer token required for mutating admin endpoints."`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export."`
	ProfileDir   string `help:"Write a CPU profile to this directory." type:"path"`
}

// Run starts the daemon and blocks until it has shut down.
func (c *ServeCmd) Run(g *Globals) error {
	logger, closer := newLogger(g, os.Stderr)
	defer closer.Close() //nolint:errcheck

	if c.ProfileDir != "" {
		defer profile.Start(
			profile.CPUProfile,
			profile.ProfilePath(c.ProfileDir),
			profile.NoShutdownHook,
			profile.Quiet,
		).Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.AdminAddress != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("shutting down metrics failed", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		SocketPath:    g.Socket,
		CacheDir:      c.CacheDir,
		DataDir:       c.DataDir,
		IndexEngine:   c.IndexEngine,
		MaxConcurrent: c.MaxConcurrent,
		FlushInterval: c.FlushInterval,
		GC: gc.Config{
			Interval:      c.GCInterval,
			StartupDelay:  c.GCStartupDelay,
			MaxCacheBytes: c.MaxCacheSize,
			MaxUnusedAge:  c.MaxUnusedAge,
			GracePeriod:   c.GCGracePeriod,
			BatchSize:     c.GCBatchSize,
		},
		AdminAddress: c.AdminAddress,
		AdminToken:   c.AdminToken,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	if addr := srv.AdminAddress(); addr != "" {
		logger.Info("admin server listening", "address", addr)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case serveErr = <-errCh:
		logger.Error("listener failed, shutting down", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx))
}
