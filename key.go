package artifactcache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxKeySize is the largest cache key accepted from a client.
const MaxKeySize = 1024

var (
	// ErrEmptyKey is returned when a cache key has no bytes.
	ErrEmptyKey = errors.New("empty cache key")

	// ErrKeyTooLarge is returned when a cache key exceeds MaxKeySize.
	ErrKeyTooLarge = errors.New("cache key exceeds maximum size")
)

// Key is an opaque client-supplied identifier for a logical artifact,
// typically a digest of the inputs that produced it.
type Key []byte

// Validate checks the key is non-empty and within MaxKeySize.
func (k Key) Validate() error {
	if len(k) == 0 {
		return ErrEmptyKey
	}
	if len(k) > MaxKeySize {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(k))
	}
	return nil
}

// String renders printable keys verbatim and everything else as hex, for logs.
func (k Key) String() string {
	if utf8.Valid(k) && !strings.ContainsFunc(string(k), func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return string(k)
	}
	return "0x" + hex.EncodeToString(k)
}

// Blob storage key layout.

const blobKeyPrefix = "blobs"

// BlobStorageKey returns the backend storage key for a blob.
// Format: blobs/{hex[:2]}/{hex}
func BlobStorageKey(h Hash) string {
	hex := h.String()
	return blobKeyPrefix + "/" + hex[:2] + "/" + hex
}

// BlobPrefix is the backend prefix under which all blobs live.
func BlobPrefix() string {
	return blobKeyPrefix
}

// ParseBlobStorageKey extracts a Hash from a backend storage key.
func ParseBlobStorageKey(key string) (Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != blobKeyPrefix {
		return Hash{}, fmt.Errorf("invalid blob key format: %s", key)
	}
	h, err := ParseHash(parts[2])
	if err != nil {
		return Hash{}, fmt.Errorf("invalid blob key %s: %w", key, err)
	}
	if h.Dir() != parts[1] {
		return Hash{}, fmt.Errorf("blob key %s is in the wrong shard", key)
	}
	return h, nil
}
