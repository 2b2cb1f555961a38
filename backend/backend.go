// Package backend provides blob storage backends for the artifact cache.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned by Create when the key has already been published.
	ErrExists = errors.New("already exists")
)

// Info describes a stored object.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Create atomically publishes data at the given key. Readers observe
	// either nothing or the complete object. If the key is already present
	// the new data is discarded and ErrExists is returned.
	Create(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns size and modification time for the given key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (Info, error)

	// Touch sets the modification time of the given key to now.
	// Returns ErrNotFound if the key does not exist.
	Touch(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)

	// RemoveStaleTemp deletes abandoned partial writes under prefix that
	// were last modified before the cutoff and returns how many were removed.
	RemoveStaleTemp(ctx context.Context, prefix string, before time.Time) (int, error)
}
