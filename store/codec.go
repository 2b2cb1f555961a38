package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/wolfeidau/artifact-cache/backend"
)

// DefaultCompressionThreshold is the smallest body considered for compression.
const DefaultCompressionThreshold = 512

// codec compresses blob bodies with zstd when that makes them smaller.
// Encoder and decoder are goroutine-safe and shared by all requests.
type codec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
	mu        sync.RWMutex
}

func newCodec(threshold int, maxDecoded uint64) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecoded))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{
		encoder:   enc,
		decoder:   dec,
		threshold: threshold,
	}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode returns the body to store and its encoding.
func (c *codec) encode(data []byte) ([]byte, string) {
	if c.threshold <= 0 || len(data) < c.threshold {
		return data, backend.EncodingIdentity
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return data, backend.EncodingIdentity
	}

	compressed := enc.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data, backend.EncodingIdentity
	}
	return compressed, backend.EncodingZstd
}

// decode reverses encode. sizeHint is the expected decoded length.
func (c *codec) decode(body []byte, encoding string, sizeHint int64) ([]byte, error) {
	switch encoding {
	case backend.EncodingIdentity, "":
		return body, nil
	case backend.EncodingZstd:
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrCorrupted, encoding)
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()
	if dec == nil {
		return nil, errors.New("decoder closed")
	}

	out, err := dec.DecodeAll(body, make([]byte, 0, sizeHint))
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing: %v", ErrCorrupted, err)
	}
	return out, nil
}
