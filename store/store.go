// Package store provides content-addressable blob storage for the artifact cache.
package store

import (
	"context"
	"errors"
	"time"

	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/backend"
)

var (
	// ErrNotFound is returned when no blob is stored under a hash.
	ErrNotFound = backend.ErrNotFound

	// ErrCorrupted is returned when a stored blob fails hash or length
	// verification. Callers should treat the blob as absent.
	ErrCorrupted = errors.New("blob content does not match its hash")
)

// Store provides content-addressable storage operations.
// Content is stored by its BLAKE3 hash, ensuring deduplication.
type Store interface {
	// Put stores content and returns its hash.
	// If the content already exists (same hash), nothing is rewritten.
	Put(ctx context.Context, data []byte) (artifactcache.Hash, error)

	// PutPinned stores content and keeps the blob safe from reclamation
	// until release is called. release must always be called.
	PutPinned(ctx context.Context, data []byte) (result *PutResult, release func(), err error)

	// Get retrieves content by its hash.
	// Returns ErrNotFound if the hash does not exist and ErrCorrupted if the
	// stored bytes fail verification. Partial content is never returned.
	Get(ctx context.Context, h artifactcache.Hash) ([]byte, error)

	// Has checks if content with the given hash exists.
	Has(ctx context.Context, h artifactcache.Hash) (bool, error)

	// Delete removes content by its hash.
	// Returns ErrNotFound if the content does not exist.
	Delete(ctx context.Context, h artifactcache.Hash) error
}

// PutResult contains information about a Put operation.
type PutResult struct {
	Hash   artifactcache.Hash
	Size   int64
	Exists bool // true if the content already existed
}

// ExtendedStore provides the additional operations used by reclamation.
type ExtendedStore interface {
	Store

	// PutWithResult stores content and returns detailed information.
	PutWithResult(ctx context.Context, data []byte) (*PutResult, error)

	// Stat returns the on-disk size and modification time of a blob.
	Stat(ctx context.Context, h artifactcache.Hash) (backend.Info, error)

	// DeleteIfIdle deletes a blob not written or refreshed since before
	// and not pinned by a put.
	DeleteIfIdle(ctx context.Context, h artifactcache.Hash, before time.Time) (backend.Info, bool, error)

	// List returns all hashes in the store.
	// This may be expensive for large stores.
	List(ctx context.Context) ([]artifactcache.Hash, error)
}
