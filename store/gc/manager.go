// Package gc reclaims space in the artifact cache: it evicts entries that
// exceed the size budget or have gone unused, then sweeps blobs that no
// entry references.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/backend"
	"github.com/wolfeidau/artifact-cache/store/index"
	"go.opentelemetry.io/otel/metric"
)

// Config configures the GC manager.
type Config struct {
	Interval      time.Duration // How often to run (default: 10m)
	StartupDelay  time.Duration // Delay before first run (default: 1m)
	MaxCacheBytes int64         // Size budget for indexed content, 0 disables
	MaxUnusedAge  time.Duration // Evict entries not accessed for this long, 0 disables
	GracePeriod   time.Duration // Minimum age before an unreferenced blob is deleted (default: 10m)
	BatchSize     int           // Max entries evicted per phase per run (default: 1000)
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      10 * time.Minute,
		StartupDelay:  1 * time.Minute,
		MaxCacheBytes: 0, // No limit by default
		MaxUnusedAge:  0,
		GracePeriod:   10 * time.Minute,
		BatchSize:     1000,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	BudgetEvicted      int           `json:"budget_evicted"`
	ExpiredEvicted     int           `json:"expired_evicted"`
	OrphanBlobsDeleted int           `json:"orphan_blobs_deleted"`
	StaleTempDeleted   int           `json:"stale_temp_deleted"`
	BytesReclaimed     int64         `json:"bytes_reclaimed"`
	Errors             []string      `json:"errors,omitempty"`
}

// BlobStore is the part of the content store the sweep needs.
type BlobStore interface {
	List(ctx context.Context) ([]artifactcache.Hash, error)
	DeleteIfIdle(ctx context.Context, h artifactcache.Hash, before time.Time) (backend.Info, bool, error)
	RemoveStaleTemp(ctx context.Context, before time.Time) (int, error)
}

// Manager manages reclamation for the artifact cache.
type Manager struct {
	index   index.Index
	blobs   BlobStore
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	runMu   sync.Mutex // serializes runs
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// New creates a new GC manager.
func New(idx index.Index, blobs BlobStore, config Config, opts ...ManagerOption) *Manager {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.StartupDelay < 0 {
		config.StartupDelay = 0
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = defaults.GracePeriod
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}

	m := &Manager{
		index:  idx,
		blobs:  blobs,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.run(ctx, stopCh, doneCh)
}

// Stop gracefully stops the GC manager, waiting for an in-progress run.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running || m.stopCh == nil {
		m.mu.Unlock()
		return nil
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.stopCh = nil
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	result := m.runGC(ctx)
	return result, ctx.Err()
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer m.setRunning(false)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"max_cache_bytes", m.config.MaxCacheBytes,
		"max_unused_age", m.config.MaxUnusedAge,
		"grace_period", m.config.GracePeriod,
	)

	// Wait for startup delay
	select {
	case <-time.After(m.config.StartupDelay):
	case <-stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		return
	}

	runCtx, cancel := stopContext(ctx, stopCh)
	defer cancel()

	m.runGC(runCtx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(runCtx)
		case <-stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			return
		}
	}
}

// stopContext returns a context cancelled when ctx is done or stopCh closes.
func stopContext(ctx context.Context, stopCh <-chan struct{}) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()
	return runCtx, cancel
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	result := &Result{
		StartedAt: m.now(),
	}

	m.logger.Info("starting gc run")

	// Phase 1: Evict least recently used entries over the size budget
	m.phaseBudgetEviction(ctx, result)

	// Phase 2: Evict entries unused for longer than MaxUnusedAge
	m.phaseExpireUnused(ctx, result)

	// Phase 3: Delete blobs no entry references, once past the grace period
	m.phaseSweepOrphans(ctx, result)

	// Phase 4: Delete temporary files abandoned by interrupted writes
	m.phaseRemoveStaleTemp(ctx, result)

	result.Duration = time.Since(result.StartedAt)

	// Update last run
	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	// Record metrics
	m.recordMetrics(ctx, result)

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"budget_evicted", result.BudgetEvicted,
		"expired_evicted", result.ExpiredEvicted,
		"orphan_blobs_deleted", result.OrphanBlobsDeleted,
		"stale_temp_deleted", result.StaleTempDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	// Use a context that survives a stop mid-run so the last run is counted.
	ctx = context.WithoutCancel(ctx)

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.budgetEvicted.Add(ctx, int64(result.BudgetEvicted))
	m.metrics.expiredEvicted.Add(ctx, int64(result.ExpiredEvicted))
	m.metrics.orphanBlobsDeleted.Add(ctx, int64(result.OrphanBlobsDeleted))
	m.metrics.staleTempDeleted.Add(ctx, int64(result.StaleTempDeleted))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}
