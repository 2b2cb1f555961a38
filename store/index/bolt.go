package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wolfeidau/artifact-cache/telemetry"
	"go.etcd.io/bbolt"
)

// scanPageSize is how many entries Scan reads per read transaction.
const scanPageSize = 256

// BoltIndex implements Index using bbolt. Readers run in concurrent View
// transactions; writers are serialized by bbolt's single writer lock.
type BoltIndex struct {
	db *bbolt.DB
	options

	closeOnce sync.Once
	closeErr  error
}

// NewBoltIndex creates a new BoltIndex instance with options.
func NewBoltIndex(opts ...Option) *BoltIndex {
	return &BoltIndex{options: newOptions(opts)}
}

// Open opens the database at the given path. bbolt takes an exclusive file
// lock, so a second daemon on the same directory fails here after a second.
func (b *BoltIndex) Open(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.initialize(); err != nil {
		_ = db.Close()
		b.db = nil
		return err
	}

	b.logger.Debug("opened entries index", "engine", EngineBolt, "path", path, "noSync", b.noSync)
	return nil
}

// initialize creates the buckets of a fresh database or verifies the format
// version of an existing one.
func (b *BoltIndex) initialize() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta != nil {
			raw := meta.Get(metaFormatVersion)
			if len(raw) != 4 {
				return fmt.Errorf("%w: missing format version", ErrIncompatibleFormat)
			}
			if v := binary.BigEndian.Uint32(raw); v != FormatVersion {
				return fmt.Errorf("%w: found version %d, want %d", ErrIncompatibleFormat, v, FormatVersion)
			}
			for _, name := range [][]byte{bucketEntries, bucketEntriesByAccess, bucketAccessByKey} {
				if tx.Bucket(name) == nil {
					return fmt.Errorf("%w: missing bucket %s", ErrIncompatibleFormat, name)
				}
			}
			return nil
		}

		// Any foreign bucket means this file belongs to something else.
		foreign := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			return fmt.Errorf("%w: unexpected bucket %s", ErrIncompatibleFormat, name)
		})
		if foreign != nil {
			return foreign
		}

		for _, name := range [][]byte{bucketMeta, bucketEntries, bucketEntriesByAccess, bucketAccessByKey} {
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		version := make([]byte, 4)
		binary.BigEndian.PutUint32(version, FormatVersion)
		meta = tx.Bucket(bucketMeta)
		if err := meta.Put(metaFormatVersion, version); err != nil {
			return err
		}
		if err := meta.Put(metaEntryCount, encodeInt64(0)); err != nil {
			return err
		}
		return meta.Put(metaTotalBytes, encodeInt64(0))
	})
}

// Close closes the database and releases the file lock.
func (b *BoltIndex) Close() error {
	if b.db == nil {
		return nil
	}
	// db stays set so late callers get the engine's closed error.
	b.closeOnce.Do(func() {
		b.logger.Debug("closing entries index", "engine", EngineBolt)
		b.closeErr = b.db.Close()
	})
	return b.closeErr
}

// DB returns the underlying bbolt database.
func (b *BoltIndex) DB() *bbolt.DB {
	return b.db
}

// Lookup returns the entry for key and synchronously records the access.
// Wrap the index in a Coalescer to batch access updates instead.
func (b *BoltIndex) Lookup(ctx context.Context, key []byte) (*Entry, error) {
	e, err := b.Peek(ctx, key)
	if err != nil {
		return nil, err
	}
	now := b.now()
	if err := b.Touch(ctx, map[string]time.Time{string(key): now}); err != nil {
		b.logger.Warn("recording access failed", "error", err)
		return e, nil
	}
	e.LastAccess = now
	return e, nil
}

// Peek returns the entry for key.
func (b *BoltIndex) Peek(ctx context.Context, key []byte) (*Entry, error) {
	start := time.Now()
	var entry Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get(key)
		if val == nil {
			return ErrMiss
		}
		return json.Unmarshal(val, &entry)
	})
	observe(ctx, EngineBolt, "peek", start, err)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Insert stores the entry, replacing and returning any previous one.
func (b *BoltIndex) Insert(ctx context.Context, key []byte, e Entry) (*Entry, error) {
	start := time.Now()
	var previous *Entry
	err := b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)

		if val := entries.Get(key); val != nil {
			var old Entry
			if err := json.Unmarshal(val, &old); err != nil {
				return fmt.Errorf("unmarshaling previous entry: %w", err)
			}
			previous = &old
		}

		data, err := json.Marshal(&e)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		if err := entries.Put(key, data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}

		if err := b.updateAccessIndex(tx, key, &e.LastAccess); err != nil {
			return err
		}

		countDelta, bytesDelta := int64(1), e.Size
		if previous != nil {
			countDelta, bytesDelta = 0, e.Size-previous.Size
		}
		return b.adjustTotals(tx, countDelta, bytesDelta)
	})
	observe(ctx, EngineBolt, "insert", start, err)
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// Remove deletes and returns the entry for key.
func (b *BoltIndex) Remove(ctx context.Context, key []byte) (*Entry, error) {
	start := time.Now()
	var removed Entry
	err := b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		val := entries.Get(key)
		if val == nil {
			return ErrMiss
		}
		if err := json.Unmarshal(val, &removed); err != nil {
			return fmt.Errorf("unmarshaling entry: %w", err)
		}
		if err := entries.Delete(key); err != nil {
			return fmt.Errorf("deleting entry: %w", err)
		}
		if err := b.updateAccessIndex(tx, key, nil); err != nil {
			return err
		}
		return b.adjustTotals(tx, -1, -removed.Size)
	})
	observe(ctx, EngineBolt, "remove", start, err)
	if err != nil {
		return nil, err
	}
	return &removed, nil
}

// Touch advances access times in a single write transaction.
func (b *BoltIndex) Touch(ctx context.Context, touches map[string]time.Time) error {
	if len(touches) == 0 {
		return nil
	}
	start := time.Now()
	err := b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		for k, at := range touches {
			key := []byte(k)
			val := entries.Get(key)
			if val == nil {
				continue
			}
			var e Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("unmarshaling entry: %w", err)
			}
			if !at.After(e.LastAccess) {
				continue
			}
			e.LastAccess = at.UTC()
			data, err := json.Marshal(&e)
			if err != nil {
				return fmt.Errorf("marshaling entry: %w", err)
			}
			if err := entries.Put(key, data); err != nil {
				return fmt.Errorf("putting entry: %w", err)
			}
			if err := b.updateAccessIndex(tx, key, &e.LastAccess); err != nil {
				return err
			}
		}
		return nil
	})
	observe(ctx, EngineBolt, "touch", start, err)
	return err
}

// Scan visits entries in access order, one page per read transaction.
func (b *BoltIndex) Scan(ctx context.Context, fn func(key []byte, e Entry) error) error {
	type item struct {
		key   []byte
		entry Entry
	}

	var after []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page := make([]item, 0, scanPageSize)
		visited := 0
		err := b.db.View(func(tx *bbolt.Tx) error {
			entries := tx.Bucket(bucketEntries)
			c := tx.Bucket(bucketEntriesByAccess).Cursor()

			var k, v []byte
			if after == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(after)
				if k != nil && bytes.Equal(k, after) {
					k, v = c.Next()
				}
			}

			for ; k != nil && visited < scanPageSize; k, v = c.Next() {
				visited++
				after = bytes.Clone(k)
				val := entries.Get(v)
				if val == nil {
					continue
				}
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					b.logger.Warn("skipping undecodable entry", "error", err)
					continue
				}
				page = append(page, item{key: bytes.Clone(v), entry: e})
			}
			return nil
		})
		if err != nil {
			return err
		}
		if visited == 0 {
			return nil
		}

		for _, it := range page {
			if err := fn(it.key, it.entry); err != nil {
				if errors.Is(err, ErrStopScan) {
					return nil
				}
				return err
			}
		}
	}
}

// Stats returns the running entry count and byte total.
func (b *BoltIndex) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := b.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		s.Entries = decodeInt64(meta.Get(metaEntryCount))
		s.TotalBytes = decodeInt64(meta.Get(metaTotalBytes))
		return nil
	})
	return s, err
}

// updateAccessIndex replaces the access index entries for key. If accessedAt
// is nil, only deletes existing index entries.
func (b *BoltIndex) updateAccessIndex(tx *bbolt.Tx, key []byte, accessedAt *time.Time) error {
	byAccess := tx.Bucket(bucketEntriesByAccess)
	reverse := tx.Bucket(bucketAccessByKey)

	if ts := reverse.Get(key); ts != nil {
		if err := byAccess.Delete(makeAccessKey(decodeTimestamp(ts), key)); err != nil {
			return fmt.Errorf("deleting old access index: %w", err)
		}
		if err := reverse.Delete(key); err != nil {
			return fmt.Errorf("deleting access reverse index: %w", err)
		}
	}

	if accessedAt != nil {
		if err := byAccess.Put(makeAccessKey(*accessedAt, key), key); err != nil {
			return fmt.Errorf("putting access index: %w", err)
		}
		if err := reverse.Put(key, encodeTimestamp(*accessedAt)); err != nil {
			return fmt.Errorf("putting access reverse index: %w", err)
		}
	}
	return nil
}

func (b *BoltIndex) adjustTotals(tx *bbolt.Tx, countDelta, bytesDelta int64) error {
	meta := tx.Bucket(bucketMeta)
	if countDelta != 0 {
		if err := meta.Put(metaEntryCount, encodeInt64(decodeInt64(meta.Get(metaEntryCount))+countDelta)); err != nil {
			return fmt.Errorf("updating entry count: %w", err)
		}
	}
	if bytesDelta != 0 {
		if err := meta.Put(metaTotalBytes, encodeInt64(decodeInt64(meta.Get(metaTotalBytes))+bytesDelta)); err != nil {
			return fmt.Errorf("updating total bytes: %w", err)
		}
	}
	return nil
}

func observe(ctx context.Context, engine, op string, start time.Time, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrMiss):
		outcome = "miss"
	default:
		outcome = "error"
	}
	telemetry.RecordIndexOp(ctx, engine, op, outcome, time.Since(start))
}

// Compile-time interface check
var _ Index = (*BoltIndex)(nil)
