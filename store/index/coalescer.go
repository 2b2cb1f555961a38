package index

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/artifact-cache/telemetry"
)

// DefaultFlushInterval is how often a Coalescer writes pending accesses.
const DefaultFlushInterval = 5 * time.Second

// Coalescer wraps an Index so that Lookup never writes. Accesses are kept in
// memory and flushed to the wrapped index in one Touch per interval, which
// keeps the hit path free of the engine's writer lock. Pending accesses that
// have not been flushed are lost on a crash; only eviction order suffers.
type Coalescer struct {
	Index

	pending  sync.Map // string -> time.Time
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// CoalescerOption configures a Coalescer.
type CoalescerOption func(*Coalescer)

// WithFlushInterval sets how often pending accesses are written.
func WithFlushInterval(d time.Duration) CoalescerOption {
	return func(c *Coalescer) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCoalescerLogger sets the logger.
func WithCoalescerLogger(logger *slog.Logger) CoalescerOption {
	return func(c *Coalescer) {
		c.logger = logger
	}
}

// WithCoalescerNow sets the time function for testing.
func WithCoalescerNow(now func() time.Time) CoalescerOption {
	return func(c *Coalescer) {
		c.now = now
	}
}

// NewCoalescer wraps idx and starts the background flusher.
func NewCoalescer(idx Index, opts ...CoalescerOption) *Coalescer {
	c := &Coalescer{
		Index:    idx,
		interval: DefaultFlushInterval,
		logger:   slog.Default(),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

func (c *Coalescer) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Flush(context.Background()); err != nil {
				c.logger.Warn("flushing access times failed", "error", err)
			}
		case <-c.stop:
			return
		}
	}
}

// Lookup returns the entry for key and records the access in memory.
func (c *Coalescer) Lookup(ctx context.Context, key []byte) (*Entry, error) {
	e, err := c.Peek(ctx, key)
	if err != nil {
		return nil, err
	}
	now := c.now()
	c.record(string(key), now)
	if now.After(e.LastAccess) {
		e.LastAccess = now
	}
	return e, nil
}

// Peek returns the entry for key with any pending access applied.
func (c *Coalescer) Peek(ctx context.Context, key []byte) (*Entry, error) {
	e, err := c.Index.Peek(ctx, key)
	if err != nil {
		return nil, err
	}
	if v, ok := c.pending.Load(string(key)); ok {
		if at := v.(time.Time); at.After(e.LastAccess) {
			e.LastAccess = at
		}
	}
	return e, nil
}

// Remove deletes the entry and drops its pending access.
func (c *Coalescer) Remove(ctx context.Context, key []byte) (*Entry, error) {
	c.pending.Delete(string(key))
	return c.Index.Remove(ctx, key)
}

// Scan visits entries in access order as last flushed. Pending accesses are
// applied to the entries passed to fn but do not reorder the scan.
func (c *Coalescer) Scan(ctx context.Context, fn func(key []byte, e Entry) error) error {
	return c.Index.Scan(ctx, func(key []byte, e Entry) error {
		if v, ok := c.pending.Load(string(key)); ok {
			if at := v.(time.Time); at.After(e.LastAccess) {
				e.LastAccess = at
			}
		}
		return fn(key, e)
	})
}

func (c *Coalescer) record(key string, at time.Time) {
	for {
		prev, loaded := c.pending.LoadOrStore(key, at)
		if !loaded || !at.After(prev.(time.Time)) {
			return
		}
		if c.pending.CompareAndSwap(key, prev, at) {
			return
		}
	}
}

// Flush writes all pending accesses to the wrapped index.
func (c *Coalescer) Flush(ctx context.Context) error {
	batch := make(map[string]time.Time)
	c.pending.Range(func(k, v any) bool {
		batch[k.(string)] = v.(time.Time)
		return true
	})
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	if err := c.Index.Touch(ctx, batch); err != nil {
		return err
	}
	telemetry.RecordTouchFlush(ctx, len(batch), time.Since(start))

	// Keep anything recorded again while the batch was being written.
	for k, at := range batch {
		c.pending.CompareAndDelete(k, at)
	}

	c.logger.Debug("flushed access times", "count", len(batch))
	return nil
}

// Close stops the flusher, writes pending accesses and closes the wrapped
// index.
func (c *Coalescer) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done

	if err := c.Flush(context.Background()); err != nil {
		c.logger.Warn("final access flush failed", "error", err)
	}
	return c.Index.Close()
}

// Compile-time interface check
var _ Index = (*Coalescer)(nil)
