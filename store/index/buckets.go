package index

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketMeta = []byte("meta") // format version and running totals

	bucketEntries         = []byte("entries")           // key -> Entry JSON
	bucketEntriesByAccess = []byte("entries_by_access") // timestamp+key -> key (LRU order)
	bucketAccessByKey     = []byte("access_by_key")     // key -> 8-byte timestamp (reverse index for O(1) delete)
)

// Keys inside bucketMeta.
var (
	metaFormatVersion = []byte("format_version")
	metaEntryCount    = []byte("entry_count")
	metaTotalBytes    = []byte("total_bytes")
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeAccessKey creates a key for the entries_by_access index.
// Format: [8-byte timestamp][cache key]
func makeAccessKey(accessTime time.Time, key []byte) []byte {
	out := make([]byte, 8+len(key))
	copy(out[:8], encodeTimestamp(accessTime))
	copy(out[8:], key)
	return out
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)) //nolint:gosec // counters are stored as raw bits
	return buf
}

func decodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b)) //nolint:gosec // counters are stored as raw bits
}
