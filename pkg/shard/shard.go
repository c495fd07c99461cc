// Package shard ties together pkg/store, pkg/stats, and pkg/lock into the
// per-shard lifecycle spec.md §3/§4.D/§4.E describes: a CacheShard owns its
// own stats file and mediates every mutation of it through its lock, and
// triggers eviction once updated counters cross a threshold.
package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ccache-core/ccache/pkg/digest"
	"github.com/ccache-core/ccache/pkg/lock"
	"github.com/ccache-core/ccache/pkg/stats"
	"github.com/ccache-core/ccache/pkg/store"
)

// Manager owns the shard-level operations for one cache root: statistics
// flushing and LRU eviction. It holds no per-invocation state, so one
// Manager can serve every shard touched by an invocation.
type Manager struct {
	store    *store.Store
	locker   lock.Locker
	evictCfg store.EvictConfig
}

// NewManager returns a Manager over s, guarding stats updates with locker
// and evicting per evictCfg.
func NewManager(s *store.Store, locker lock.Locker, evictCfg store.EvictConfig) *Manager {
	return &Manager{store: s, locker: locker, evictCfg: evictCfg}
}

func statsPath(shardDir string) string { return filepath.Join(shardDir, "stats") }

// Flush applies delta to the on-disk stats file of the shard owning key,
// under that shard's lock, and runs eviction if the updated counters cross
// either threshold (spec.md §4.D, §4.E).
//
// This is the "flushed exactly once, at process exit" operation of
// spec.md §4.D; orchestrator callers are expected to call it once per
// invocation with the accumulated per-invocation delta.
func (m *Manager) Flush(ctx context.Context, key digest.Digest, delta *stats.Counters) error {
	shardDir := m.store.ShardDir(key)
	if err := os.MkdirAll(shardDir, 0o700); err != nil {
		return fmt.Errorf("shard: creating shard dir: %w", err)
	}

	path := statsPath(shardDir)
	lockKey := path

	if err := m.locker.Lock(ctx, lockKey); err != nil {
		return fmt.Errorf("shard: locking stats for flush: %w", err)
	}
	defer func() {
		if uerr := m.locker.Unlock(ctx, lockKey); uerr != nil {
			zerolog.Ctx(ctx).Error().Err(uerr).Str("path", path).Msg("shard: failed to release stats lock")
		}
	}()

	current, err := stats.ReadFile(path)
	if err != nil {
		return fmt.Errorf("shard: reading stats: %w", err)
	}

	current.Merge(delta)

	if err := writeStatsAtomic(path, current); err != nil {
		return err
	}

	needsEviction := (m.evictCfg.MaxFilesPerShard > 0 && current.Get(stats.FilesInShard) > m.evictCfg.MaxFilesPerShard) ||
		(m.evictCfg.MaxBytesPerShard > 0 && current.Get(stats.KibibytesInShard)*1024 > m.evictCfg.MaxBytesPerShard)

	if !needsEviction {
		return nil
	}

	return m.evictLocked(ctx, shardDir, path, current)
}

// evictLocked runs eviction for shardDir on behalf of Flush, which still
// holds the shard's stats lock (its deferred Unlock has not run yet), so
// eviction and the counter write stay serialized against other flushers
// without taking the lock a second time.
func (m *Manager) evictLocked(ctx context.Context, shardDir, statsFilePath string, current *stats.Counters) error {
	return m.evictAndWrite(ctx, shardDir, statsFilePath, current)
}

// evictAndWrite runs EvictShard and persists its result into current's
// FilesInShard/KibibytesInShard/CleanupsRun counters (spec.md §4.E step 5).
// Callers are responsible for holding the shard's stats lock.
func (m *Manager) evictAndWrite(ctx context.Context, shardDir, statsFilePath string, current *stats.Counters) error {
	result, err := store.EvictShard(ctx, shardDir, m.evictCfg)
	if err != nil {
		return fmt.Errorf("shard: evicting %q: %w", shardDir, err)
	}

	current.Set(stats.FilesInShard, result.FilesInShard)
	current.Set(stats.KibibytesInShard, result.BytesInShard/1024)
	current.Add(stats.CleanupsRun, 1)

	return writeStatsAtomic(statsFilePath, current)
}

// Cleanup runs eviction for shardDir unconditionally, under that shard's
// stats lock, updating and persisting its counters exactly the way Flush's
// threshold-triggered eviction does (spec.md §4.E). This is the
// -c/--cleanup admin action's entry point: unlike Flush, it has no
// per-invocation delta to merge first, so it reads the shard's current
// counters straight off disk.
func (m *Manager) Cleanup(ctx context.Context, shardDir string) error {
	path := statsPath(shardDir)
	lockKey := path

	if err := m.locker.Lock(ctx, lockKey); err != nil {
		return fmt.Errorf("shard: locking stats for cleanup: %w", err)
	}
	defer func() {
		if uerr := m.locker.Unlock(ctx, lockKey); uerr != nil {
			zerolog.Ctx(ctx).Error().Err(uerr).Str("path", path).Msg("shard: failed to release cleanup lock")
		}
	}()

	current, err := stats.ReadFile(path)
	if err != nil {
		return fmt.Errorf("shard: reading stats: %w", err)
	}

	return m.evictAndWrite(ctx, shardDir, path, current)
}

func writeStatsAtomic(path string, c *stats.Counters) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "stats-*.tmp")
	if err != nil {
		return fmt.Errorf("shard: creating temp stats file: %w", err)
	}

	if _, err := tmp.Write(c.Encode()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("shard: writing temp stats file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("shard: closing temp stats file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("shard: renaming stats file into place: %w", err)
	}

	return nil
}

// ForProcess picks a shard to flush to when no ObjectKey was determined
// for this invocation (e.g. an early argument-parsing failure), by hashing
// the process id modulo the shard count (spec.md §4.D).
func ForProcess(shardCount int) int {
	if shardCount <= 0 {
		shardCount = 1
	}
	return os.Getpid() % shardCount
}
