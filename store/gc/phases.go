package gc

import (
	"context"
	"errors"
	"fmt"

	artifactcache "github.com/wolfeidau/artifact-cache"
	"github.com/wolfeidau/artifact-cache/store"
	"github.com/wolfeidau/artifact-cache/store/index"
)

// phaseBudgetEviction removes least recently used entries until the indexed
// size is within MaxCacheBytes.
func (m *Manager) phaseBudgetEviction(ctx context.Context, result *Result) {
	if m.config.MaxCacheBytes <= 0 {
		return
	}

	m.logger.Debug("phase: budget eviction")

	stats, err := m.index.Stats(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("get index stats: %v", err))
		m.logger.Error("failed to get index stats", "error", err)
		return
	}

	if stats.TotalBytes <= m.config.MaxCacheBytes {
		m.logger.Debug("cache within budget", "total_size", stats.TotalBytes, "max_size", m.config.MaxCacheBytes)
		return
	}

	bytesToFree := stats.TotalBytes - m.config.MaxCacheBytes
	m.logger.Info("cache over budget, starting LRU eviction",
		"total_size", stats.TotalBytes,
		"max_size", m.config.MaxCacheBytes,
		"bytes_to_free", bytesToFree,
	)

	var bytesFreed int64
	err = m.index.Scan(ctx, func(key []byte, e index.Entry) error {
		if bytesFreed >= bytesToFree || result.BudgetEvicted >= m.config.BatchSize {
			return index.ErrStopScan
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		removed, ok := m.evict(ctx, key, e, result)
		if !ok {
			return nil
		}

		bytesFreed += removed.Size
		result.BudgetEvicted++

		m.logger.Debug("evicted LRU entry",
			"key", artifactcache.Key(key),
			"size", removed.Size,
			"last_access", removed.LastAccess,
		)
		return nil
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan for budget eviction: %v", err))
		m.logger.Error("budget eviction scan failed", "error", err)
	}
}

// phaseExpireUnused removes entries not accessed within MaxUnusedAge.
func (m *Manager) phaseExpireUnused(ctx context.Context, result *Result) {
	if m.config.MaxUnusedAge <= 0 {
		return
	}

	m.logger.Debug("phase: expire unused entries")

	cutoff := m.now().Add(-m.config.MaxUnusedAge)
	err := m.index.Scan(ctx, func(key []byte, e index.Entry) error {
		if result.ExpiredEvicted >= m.config.BatchSize {
			return index.ErrStopScan
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.LastAccess.Before(cutoff) {
			return nil
		}

		removed, ok := m.evict(ctx, key, e, result)
		if !ok {
			return nil
		}
		result.ExpiredEvicted++

		m.logger.Debug("evicted unused entry",
			"key", artifactcache.Key(key),
			"last_access", removed.LastAccess,
		)
		return nil
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan for unused entries: %v", err))
		m.logger.Error("unused entry scan failed", "error", err)
	}
}

// evict removes key unless it was accessed or replaced after the scan
// observed it.
func (m *Manager) evict(ctx context.Context, key []byte, seen index.Entry, result *Result) (*index.Entry, bool) {
	current, err := m.index.Peek(ctx, key)
	if errors.Is(err, index.ErrMiss) {
		return nil, false
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("peek entry %s: %v", artifactcache.Key(key), err))
		return nil, false
	}
	if current.Hash != seen.Hash || current.LastAccess.After(seen.LastAccess) {
		return nil, false
	}

	removed, err := m.index.Remove(ctx, key)
	if errors.Is(err, index.ErrMiss) {
		return nil, false
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("remove entry %s: %v", artifactcache.Key(key), err))
		m.logger.Error("failed to remove entry", "key", artifactcache.Key(key), "error", err)
		return nil, false
	}
	return removed, true
}

// phaseSweepOrphans deletes blobs that no entry references and that are
// older than the grace period. The referenced set is built before the blobs
// are listed, so a blob published after the scan is always younger than
// the grace period.
func (m *Manager) phaseSweepOrphans(ctx context.Context, result *Result) {
	m.logger.Debug("phase: sweep orphan blobs")

	referenced := make(map[artifactcache.Hash]struct{})
	err := m.index.Scan(ctx, func(_ []byte, e index.Entry) error {
		referenced[e.Hash] = struct{}{}
		return nil
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan referenced blobs: %v", err))
		m.logger.Error("failed to scan referenced blobs", "error", err)
		return
	}

	hashes, err := m.blobs.List(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list blobs: %v", err))
		m.logger.Error("failed to list blobs", "error", err)
		return
	}

	cutoff := m.now().Add(-m.config.GracePeriod)
	for _, h := range hashes {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, ok := referenced[h]; ok {
			continue
		}

		// The age check and delete run under the blob's pin, so a put that
		// refreshes it before recording its entry is never swept.
		info, deleted, err := m.blobs.DeleteIfIdle(ctx, h, cutoff)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete orphan blob %s: %v", h, err))
			m.logger.Error("failed to delete orphan blob", "hash", h.ShortString(), "error", err)
			continue
		}
		if !deleted {
			continue
		}

		result.OrphanBlobsDeleted++
		result.BytesReclaimed += info.Size

		m.logger.Debug("deleted orphan blob", "hash", h.ShortString(), "size", info.Size, "mod_time", info.ModTime)
	}
}

// phaseRemoveStaleTemp deletes temporary files left by interrupted writes.
func (m *Manager) phaseRemoveStaleTemp(ctx context.Context, result *Result) {
	m.logger.Debug("phase: remove stale temporary files")

	n, err := m.blobs.RemoveStaleTemp(ctx, m.now().Add(-m.config.GracePeriod))
	result.StaleTempDeleted += n
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("remove stale temp files: %v", err))
		m.logger.Error("failed to remove stale temp files", "error", err)
	}
}

// Compile-time interface check
var _ BlobStore = (*store.CAFS)(nil)
