package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/backend"
	"github.com/wolfeidau/artifact-cache/telemetry"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxBlobSize bounds the decoded size of any stored blob.
const DefaultMaxBlobSize = 64 * 1024 * 1024

// CAFS implements content-addressable file storage.
// Content is stored in a sharded directory structure based on hash, each
// blob framed with a header that records its hash, length and encoding.
type CAFS struct {
	backend     backend.Backend
	codec       *codec
	logger      *slog.Logger
	now         func() time.Time
	threshold   int
	maxBlobSize int64

	// writes collapses concurrent puts of identical content into one
	// encode and publish.
	writes singleflight.Group

	// pins serializes reclamation of a blob against puts that are about to
	// reference it. Puts share a stripe; DeleteIfIdle holds it exclusively.
	pins [pinStripes]sync.RWMutex
}

const pinStripes = 256

// CAFSOption configures a CAFS instance.
type CAFSOption func(*CAFS)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) CAFSOption {
	return func(c *CAFS) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) CAFSOption {
	return func(c *CAFS) {
		c.now = now
	}
}

// WithCompressionThreshold sets the smallest body that is zstd-compressed.
// Zero or a negative value disables compression.
func WithCompressionThreshold(n int) CAFSOption {
	return func(c *CAFS) {
		c.threshold = n
	}
}

// WithMaxBlobSize bounds the decoded size accepted when reading blobs.
func WithMaxBlobSize(n int64) CAFSOption {
	return func(c *CAFS) {
		c.maxBlobSize = n
	}
}

// NewCAFS creates a new content-addressable file store.
func NewCAFS(b backend.Backend, opts ...CAFSOption) (*CAFS, error) {
	c := &CAFS{
		backend:     b,
		logger:      slog.Default(),
		now:         time.Now,
		threshold:   DefaultCompressionThreshold,
		maxBlobSize: DefaultMaxBlobSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	cd, err := newCodec(c.threshold, uint64(c.maxBlobSize)) //nolint:gosec // configured size is positive
	if err != nil {
		return nil, err
	}
	c.codec = cd
	return c, nil
}

// Close releases compression resources.
func (c *CAFS) Close() error {
	c.codec.close()
	return nil
}

// Put stores content and returns its hash.
func (c *CAFS) Put(ctx context.Context, data []byte) (artifactcache.Hash, error) {
	result, err := c.PutWithResult(ctx, data)
	if err != nil {
		return artifactcache.Hash{}, err
	}
	return result.Hash, nil
}

// PutWithResult stores content and returns detailed information.
//
// When the blob already exists its modification time is refreshed, which
// keeps it out of the reclamation sweep's grace window until the caller
// has recorded a reference to it.
func (c *CAFS) PutWithResult(ctx context.Context, data []byte) (*PutResult, error) {
	if int64(len(data)) > c.maxBlobSize {
		return nil, fmt.Errorf("blob of %d bytes exceeds maximum of %d", len(data), c.maxBlobSize)
	}
	return c.put(ctx, artifactcache.HashBytes(data), data)
}

// PutPinned stores content like PutWithResult and keeps the blob pinned
// until release is called. A pinned blob is never reclaimed, so callers
// release only after the reference to the hash has been recorded.
// release must be called exactly once, including on error.
func (c *CAFS) PutPinned(ctx context.Context, data []byte) (result *PutResult, release func(), err error) {
	if int64(len(data)) > c.maxBlobSize {
		return nil, func() {}, fmt.Errorf("blob of %d bytes exceeds maximum of %d", len(data), c.maxBlobSize)
	}

	hash := artifactcache.HashBytes(data)
	pin := c.pin(hash)
	pin.RLock()
	var once sync.Once
	release = func() { once.Do(pin.RUnlock) }

	result, err = c.put(ctx, hash, data)
	return result, release, err
}

// DeleteIfIdle deletes the blob for h if it was last written or refreshed
// before the cutoff and no put holds it pinned. It reports the blob's info
// and whether it was deleted.
func (c *CAFS) DeleteIfIdle(ctx context.Context, h artifactcache.Hash, before time.Time) (backend.Info, bool, error) {
	pin := c.pin(h)
	pin.Lock()
	defer pin.Unlock()

	key := artifactcache.BlobStorageKey(h)
	info, err := c.backend.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return backend.Info{}, false, ErrNotFound
		}
		return backend.Info{}, false, fmt.Errorf("stat blob: %w", err)
	}
	if !info.ModTime.Before(before) {
		return info, false, nil
	}

	if err := c.backend.Delete(ctx, key); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return info, false, ErrNotFound
		}
		return info, false, fmt.Errorf("deleting content: %w", err)
	}
	return info, true, nil
}

func (c *CAFS) pin(h artifactcache.Hash) *sync.RWMutex {
	return &c.pins[h[0]]
}

func (c *CAFS) put(ctx context.Context, hash artifactcache.Hash, data []byte) (*PutResult, error) {
	key := artifactcache.BlobStorageKey(hash)

	// The write runs detached so one caller giving up does not fail the
	// others waiting on it.
	var wrote bool
	v, err, _ := c.writes.Do(key, func() (any, error) {
		wrote = true
		return c.write(context.WithoutCancel(ctx), hash, key, data)
	})
	if err != nil {
		return nil, err
	}

	result := *v.(*PutResult)
	if !wrote {
		// Another caller published it.
		result.Exists = true
		c.logger.Debug("joined concurrent blob write", "hash", hash.ShortString())
	}
	return &result, nil
}

// write publishes one blob, or refreshes the modification time of an
// existing one.
func (c *CAFS) write(ctx context.Context, hash artifactcache.Hash, key string, data []byte) (*PutResult, error) {
	result := &PutResult{Hash: hash, Size: int64(len(data))}

	err := c.backend.Touch(ctx, key)
	switch {
	case err == nil:
		result.Exists = true
		telemetry.RecordBlobWrite(ctx, result.Size, false)
		return result, nil
	case !errors.Is(err, backend.ErrNotFound):
		return nil, fmt.Errorf("checking existence: %w", err)
	}

	body, encoding := c.codec.encode(data)
	header := &backend.BlobHeader{
		ContentHash:   hash.String(),
		ContentLength: result.Size,
		Encoding:      encoding,
		StoredAt:      c.now().UTC(),
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 256)
	if err := backend.WriteFramed(&buf, header, bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("framing content: %w", err)
	}

	err = c.backend.Create(ctx, key, &buf)
	switch {
	case err == nil:
		c.logger.Debug("stored blob", "hash", hash.ShortString(), "size", result.Size, "encoding", encoding, "stored_bytes", len(body))
	case errors.Is(err, backend.ErrExists):
		// A concurrent writer published identical content first.
		result.Exists = true
		if err := c.backend.Touch(ctx, key); err != nil && !errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("refreshing existing blob: %w", err)
		}
	default:
		return nil, fmt.Errorf("writing content: %w", err)
	}

	telemetry.RecordBlobWrite(ctx, result.Size, !result.Exists)
	return result, nil
}

// Get retrieves and verifies content by its hash.
func (c *CAFS) Get(ctx context.Context, h artifactcache.Hash) ([]byte, error) {
	rc, err := c.backend.Read(ctx, artifactcache.BlobStorageKey(h))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	defer func() { _ = rc.Close() }()

	header, body, err := backend.ReadFramed(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	if header.ContentHash != h.String() {
		return nil, fmt.Errorf("%w: header names %s", ErrCorrupted, header.ContentHash)
	}
	if header.ContentLength < 0 || header.ContentLength > c.maxBlobSize {
		return nil, fmt.Errorf("%w: implausible length %d", ErrCorrupted, header.ContentLength)
	}

	raw, err := io.ReadAll(io.LimitReader(body, c.maxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	data, err := c.codec.decode(raw, header.Encoding, header.ContentLength)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) != header.ContentLength {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrCorrupted, len(data), header.ContentLength)
	}
	if artifactcache.HashBytes(data) != h {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupted)
	}

	return data, nil
}

// Has checks if content with the given hash exists.
func (c *CAFS) Has(ctx context.Context, h artifactcache.Hash) (bool, error) {
	return c.backend.Exists(ctx, artifactcache.BlobStorageKey(h))
}

// Delete removes content by its hash.
func (c *CAFS) Delete(ctx context.Context, h artifactcache.Hash) error {
	if err := c.backend.Delete(ctx, artifactcache.BlobStorageKey(h)); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting content: %w", err)
	}
	return nil
}

// Stat returns the on-disk size and modification time of a blob.
func (c *CAFS) Stat(ctx context.Context, h artifactcache.Hash) (backend.Info, error) {
	return c.backend.Stat(ctx, artifactcache.BlobStorageKey(h))
}

// List returns all hashes in the store.
func (c *CAFS) List(ctx context.Context) ([]artifactcache.Hash, error) {
	keys, err := c.backend.List(ctx, artifactcache.BlobPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	hashes := make([]artifactcache.Hash, 0, len(keys))
	for _, key := range keys {
		h, err := artifactcache.ParseBlobStorageKey(key)
		if err != nil {
			c.logger.Warn("skipping unrecognised file in blob store", "key", key)
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// RemoveStaleTemp deletes partial writes abandoned before the cutoff.
func (c *CAFS) RemoveStaleTemp(ctx context.Context, before time.Time) (int, error) {
	return c.backend.RemoveStaleTemp(ctx, artifactcache.BlobPrefix(), before)
}

// Compile-time interface checks
var (
	_ Store         = (*CAFS)(nil)
	_ ExtendedStore = (*CAFS)(nil)
)
