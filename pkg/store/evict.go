package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ResultExtensions enumerates the sibling extensions of one ObjectKey
// family (spec.md §3), in deletion-safe order (stderr last, per §4.E).
var ResultExtensions = []string{".o", ".d", ".gcno", ".su", ".dia", ".dwo", ".stderr"}

// tempMarker matches the platform's pending-delete/temp marker substring;
// files older than one hour with this in their basename are deleted
// outright without accounting, on the theory that they're debris from a
// process that died mid-install (spec.md §4.E step 1).
const tempMarker = ".tmp"

// EvictConfig bounds a single shard's eviction run.
type EvictConfig struct {
	MaxFilesPerShard int64
	MaxBytesPerShard int64

	// LimitMultiple scales both thresholds down so a cleanup run creates
	// headroom rather than stopping exactly at the limit (default 0.8,
	// spec.md §4.E step 3).
	LimitMultiple float64
}

// EvictResult reports what one shard cleanup run did.
type EvictResult struct {
	FilesInShard int64
	BytesInShard int64
	FilesDeleted int64
	BytesDeleted int64
}

type shardEntry struct {
	path  string
	base  string
	mtime time.Time
	size  int64
}

// EvictShard runs the LRU cleanup algorithm of spec.md §4.E against one
// shard directory until both the size and file-count thresholds (scaled by
// LimitMultiple) are satisfied or the shard is exhausted.
//
// Grounded on the teacher's Cache.runLRU (pkg/cache/cache.go), which
// computes a cleanup size from a DB-tracked total and deletes the
// least-recently-used rows' files concurrently; this generalizes the same
// oldest-first, concurrent-delete shape to a filesystem mtime scan (there
// is no database here — §3's CacheShard owns its own stats file, not a
// row store) and adds the stderr-last, family-aware deletion spec.md §4.E
// requires that the teacher's flat nar/narinfo deletion didn't need.
func EvictShard(ctx context.Context, shardDir string, cfg EvictConfig) (EvictResult, error) {
	log := zerolog.Ctx(ctx).With().Str("shard", shardDir).Logger()

	entries, err := scanShard(shardDir)
	if err != nil {
		return EvictResult{}, fmt.Errorf("store: scanning shard %q: %w", shardDir, err)
	}

	var result EvictResult
	for _, e := range entries {
		result.FilesInShard++
		result.BytesInShard += e.size
	}

	limitMultiple := cfg.LimitMultiple
	if limitMultiple <= 0 {
		limitMultiple = 0.8
	}

	maxFiles := int64(float64(cfg.MaxFilesPerShard) * limitMultiple)
	maxBytes := int64(float64(cfg.MaxBytesPerShard) * limitMultiple)

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].mtime.Equal(entries[j].mtime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].mtime.Before(entries[j].mtime)
	})

	deletedKeys := make(map[string]bool)

	for _, e := range entries {
		if result.FilesInShard <= maxFiles && result.BytesInShard <= maxBytes {
			break
		}

		key, ext, ok := splitFamilyKey(e.base)
		if !ok {
			// Not a recognized result-family member; delete just this
			// file.
			if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
				return result, fmt.Errorf("store: removing %q: %w", e.path, err)
			}

			result.FilesInShard--
			result.BytesInShard -= e.size
			result.FilesDeleted++
			result.BytesDeleted += e.size

			continue
		}

		if deletedKeys[key] {
			continue
		}
		deletedKeys[key] = true

		_ = ext

		freed, deletedCount, err := deleteFamilyConcurrently(shardDir, key, entriesForKey(entries, key))
		if err != nil {
			return result, err
		}

		result.FilesInShard -= deletedCount
		result.BytesInShard -= freed
		result.FilesDeleted += deletedCount
		result.BytesDeleted += freed
	}

	log.Info().
		Int64("files-before", result.FilesInShard+result.FilesDeleted).
		Int64("files-deleted", result.FilesDeleted).
		Int64("bytes-deleted", result.BytesDeleted).
		Msg("eviction: cleanup complete")

	return result, nil
}

func entriesForKey(entries []shardEntry, key string) []shardEntry {
	var out []shardEntry

	for _, e := range entries {
		k, _, ok := splitFamilyKey(e.base)
		if ok && k == key {
			out = append(out, e)
		}
	}

	return out
}

// deleteFamilyConcurrently deletes every sibling of one key in parallel,
// except ".stderr" which is deleted last and alone, so a process killed
// mid-eviction can never observe a surviving ".stderr" without its ".o"
// (spec.md §4.E step 4).
func deleteFamilyConcurrently(shardDir, key string, members []shardEntry) (int64, int64, error) {
	var (
		freed int64
		count int64
		stderr *shardEntry
	)

	g, _ := errgroup.WithContext(context.Background())

	for i := range members {
		m := members[i]
		if strings.HasSuffix(m.base, ".stderr") {
			stderr = &members[i]
			continue
		}

		g.Go(func() error {
			return os.Remove(m.path)
		})
	}

	if err := g.Wait(); err != nil && !os.IsNotExist(err) {
		return freed, count, fmt.Errorf("store: deleting family %q in %q: %w", key, shardDir, err)
	}

	for _, m := range members {
		if !strings.HasSuffix(m.base, ".stderr") {
			freed += m.size
			count++
		}
	}

	if stderr != nil {
		if err := os.Remove(stderr.path); err != nil && !os.IsNotExist(err) {
			return freed, count, fmt.Errorf("store: deleting stderr for %q: %w", key, err)
		}

		freed += stderr.size
		count++
	}

	return freed, count, nil
}

// splitFamilyKey splits "<key><ext>" into (key, ext, true) when ext is a
// recognized result-family extension.
func splitFamilyKey(base string) (string, string, bool) {
	for _, ext := range ResultExtensions {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext), ext, true
		}
	}

	return "", "", false
}

func scanShard(shardDir string) ([]shardEntry, error) {
	dirEntries, err := os.ReadDir(shardDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []shardEntry

	now := time.Now()

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}

		base := de.Name()
		if IsReservedName(base) {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		if strings.Contains(base, tempMarker) && now.Sub(info.ModTime()) > time.Hour {
			_ = os.Remove(filepath.Join(shardDir, base))
			continue
		}

		out = append(out, shardEntry{
			path:  filepath.Join(shardDir, base),
			base:  base,
			mtime: info.ModTime(),
			size:  info.Size(),
		})
	}

	return out, nil
}
