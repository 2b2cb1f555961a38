package index

import (
	"log/slog"
	"time"

	artifactcache "github.com/wolfeidau/artifact-cache"
)

// Entry is the metadata recorded for a cache key.
type Entry struct {
	Hash       artifactcache.Hash `json:"hash"`
	Size       int64              `json:"size"`
	CreatedAt  time.Time          `json:"created_at"`
	LastAccess time.Time          `json:"last_access"`
}

// Stats holds aggregate index counters.
type Stats struct {
	Entries    int64
	TotalBytes int64
}

type options struct {
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures an index engine.
type Option func(*options)

// WithLogger sets the logger for the index.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(o *options) {
		o.noSync = noSync
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
