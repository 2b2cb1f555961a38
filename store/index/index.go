// Package index provides the persistent entries index of the artifact cache:
// an ordered mapping from client cache keys to entry metadata.
package index

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

var (
	// ErrMiss is returned when a key has no entry.
	ErrMiss = errors.New("index: miss")

	// ErrIncompatibleFormat is returned by Open when the on-disk index was
	// written with a different layout. The daemon must not start on it.
	ErrIncompatibleFormat = errors.New("index: incompatible on-disk format")

	// ErrStopScan may be returned by a Scan callback to end the scan early
	// without an error.
	ErrStopScan = errors.New("index: stop scan")
)

// FormatVersion is the on-disk layout version written by this package.
const FormatVersion = 1

// Engine names accepted by Open.
const (
	EngineBolt   = "bolt"
	EngineSQLite = "sqlite"
)

// Index maps cache keys to entry metadata. Every mutation is atomic for
// its single key; there are no multi-key transactions.
// Implementations must be safe for concurrent use.
type Index interface {
	// Lookup returns the entry for key and records an access. The access
	// time update is best-effort and may be deferred.
	// Returns ErrMiss if the key has no entry.
	Lookup(ctx context.Context, key []byte) (*Entry, error)

	// Peek returns the entry for key without recording an access.
	Peek(ctx context.Context, key []byte) (*Entry, error)

	// Insert stores the entry for key, replacing any previous entry, which
	// is returned (nil if there was none).
	Insert(ctx context.Context, key []byte, e Entry) (*Entry, error)

	// Remove deletes the entry for key and returns it.
	// Returns ErrMiss if the key has no entry.
	Remove(ctx context.Context, key []byte) (*Entry, error)

	// Scan visits entries from least to most recently accessed. The callback
	// runs outside any storage transaction and may mutate the index.
	Scan(ctx context.Context, fn func(key []byte, e Entry) error) error

	// Touch advances the last access time of each key. Keys without an
	// entry are ignored and times never move backwards.
	Touch(ctx context.Context, touches map[string]time.Time) error

	// Stats returns aggregate counters.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the underlying storage.
	Close() error
}

// Open opens the index engine by name with its files inside dir.
func Open(engine, dir string, opts ...Option) (Index, error) {
	switch engine {
	case EngineBolt, "":
		idx := NewBoltIndex(opts...)
		if err := idx.Open(filepath.Join(dir, "entries.db")); err != nil {
			return nil, err
		}
		return idx, nil
	case EngineSQLite:
		idx := NewSQLiteIndex(opts...)
		if err := idx.Open(filepath.Join(dir, "entries.sqlite")); err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown index engine %q", engine)
	}
}
