package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ccache-core/ccache/pkg/config"
	"github.com/ccache-core/ccache/pkg/digest"
	"github.com/ccache-core/ccache/pkg/lock"
	"github.com/ccache-core/ccache/pkg/manifest"
	"github.com/ccache-core/ccache/pkg/shard"
	"github.com/ccache-core/ccache/pkg/stats"
	"github.com/ccache-core/ccache/pkg/store"
)

// hexChars enumerates the single-hex-digit directory names a shard level is
// built from (store.ShardDepth of them, nested).
const hexChars = "0123456789abcdef"

// shardDirs walks every leaf shard directory under root (spec.md's
// <0..f>/<0..f>/... tree, store.ShardDepth levels deep), without requiring
// any of them to already exist on disk — cleanup/clear/show-stats all need
// to visit the full addressable shard space, not just the shards an
// invocation happened to touch.
func shardDirs(root string) []string {
	dirs := []string{root}
	for depth := 0; depth < store.ShardDepth; depth++ {
		next := make([]string, 0, len(dirs)*16)
		for _, d := range dirs {
			for _, c := range hexChars {
				next = append(next, filepath.Join(d, string(c)))
			}
		}
		dirs = next
	}
	return dirs
}

// cleanupAll runs pkg/shard.Manager.Cleanup against every shard directory
// (the -c/--cleanup admin action of spec.md §6), grounded on the teacher's
// Cache.runLRU loop generalized from one DB-tracked total to one
// EvictConfig shared by every shard. Going through Manager rather than
// calling store.EvictShard directly keeps this path locked and
// counter-updating the same way Flush's own threshold-triggered eviction
// is (spec.md §4.E step 5): files_in_shard/bytes_in_shard/cleanups_run
// must reflect the cleanup for -s/--show-stats to report it.
func cleanupAll(ctx context.Context, cfg *config.Config) error {
	mgr := shard.NewManager(store.New(cfg.CacheDir), lock.New(lock.DefaultConfig()), cfg.ShardEvictConfig())

	for _, dir := range shardDirs(cfg.CacheDir) {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := mgr.Cleanup(ctx, dir); err != nil {
			return fmt.Errorf("cmd: cleaning up %q: %w", dir, err)
		}
	}
	return nil
}

// clearAll wipes every cached file and the tmp scratch directory, preserving
// the config file (spec.md §6 "-C wipes all cached files, preserving
// config"). The removed shard directories are not recreated; they come back
// on demand when an entry is next stored.
func clearAll(cfg *config.Config) error {
	for _, c := range hexChars {
		if err := os.RemoveAll(filepath.Join(cfg.CacheDir, string(c))); err != nil {
			return fmt.Errorf("cmd: clearing shard tree %q: %w", c, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(cfg.CacheDir, "tmp")); err != nil {
		return fmt.Errorf("cmd: clearing tmp dir: %w", err)
	}
	return nil
}

// aggregateStats merges every shard's on-disk Counters into one vector, for
// -s/--show-stats and --print-stats.
func aggregateStats(cfg *config.Config) (*stats.Counters, error) {
	total := stats.New()
	for _, dir := range shardDirs(cfg.CacheDir) {
		c, err := stats.ReadFile(filepath.Join(dir, "stats"))
		if err != nil {
			return nil, fmt.Errorf("cmd: reading stats in %q: %w", dir, err)
		}
		total.Merge(c)
	}
	return total, nil
}

// statsLabels names the known Field positions in display order, for
// -s/--show-stats' human-readable rendering. --print-stats instead emits the
// raw positional integers, matching ccache's own machine-readable mode.
var statsLabels = []struct {
	field stats.Field
	label string
}{
	{stats.HitDirect, "cache hit (direct)"},
	{stats.HitPreprocessor, "cache hit (preprocessed)"},
	{stats.Miss, "cache miss"},
	{stats.FilesInShard, "files in cache (approx, summed across shards)"},
	{stats.KibibytesInShard, "cache size (KiB, approx, summed across shards)"},
	{stats.CleanupsRun, "cleanups performed"},
	{stats.ErrorCalledForLink, "called for link"},
	{stats.ErrorCalledForPreprocessing, "called for preprocessing"},
	{stats.ErrorMultipleSourceFiles, "multiple source files"},
	{stats.ErrorUnsupportedOption, "unsupported compiler option"},
	{stats.ErrorUnsupportedSourceLanguage, "unsupported source language"},
	{stats.ErrorAutoconfTest, "autoconf compile/link check"},
	{stats.ErrorBadCompilerArguments, "bad compiler arguments"},
	{stats.ErrorBadOutputFile, "bad output file"},
	{stats.ErrorNoInputFile, "no input file"},
	{stats.ErrorOutputToStdout, "output to stdout"},
	{stats.ErrorPreprocessorError, "preprocessor error"},
	{stats.ErrorCompileFailed, "compile failed"},
	{stats.ErrorMissingCacheFile, "missing cache file"},
	{stats.ErrorCannotUsePCH, "cannot use precompiled header"},
	{stats.ErrorUnsupportedCodeDirective, "unsupported code directive"},
	{stats.ErrorInternalError, "internal error"},
}

func printStatsLabeled(w io.Writer, c *stats.Counters) {
	for _, l := range statsLabels {
		fmt.Fprintf(w, "%-48s %d\n", l.label, c.Get(l.field))
	}
}

func printStatsRaw(w io.Writer, c *stats.Counters) {
	for i := 0; i < c.Len(); i++ {
		fmt.Fprintf(w, "%d\n", c.Get(stats.Field(i)))
	}
}

// zeroStatsAll resets every shard's counters (except the running
// files/bytes totals) under that shard's stats lock, the -z/--zero-stats
// admin action.
func zeroStatsAll(ctx context.Context, cfg *config.Config) error {
	locker := lock.New(lock.DefaultConfig())
	now := time.Now().Unix()

	for _, dir := range shardDirs(cfg.CacheDir) {
		path := filepath.Join(dir, "stats")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		if err := locker.Lock(ctx, path); err != nil {
			return fmt.Errorf("cmd: locking %q: %w", path, err)
		}

		c, err := stats.ReadFile(path)
		if err != nil {
			_ = locker.Unlock(ctx, path)
			return fmt.Errorf("cmd: reading %q: %w", path, err)
		}
		c.Zero(now)

		if err := os.WriteFile(path, c.Encode(), 0o600); err != nil {
			_ = locker.Unlock(ctx, path)
			return fmt.Errorf("cmd: writing %q: %w", path, err)
		}

		if err := locker.Unlock(ctx, path); err != nil {
			return fmt.Errorf("cmd: unlocking %q: %w", path, err)
		}
	}
	return nil
}

// printConfig renders the subset of Config the core consumes directly
// (-p/--show-config); the external config-file reader owns every other
// ccache.conf key (spec.md §1).
func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "base_dir = %s\n", cfg.BaseDir)
	fmt.Fprintf(w, "cache_dir = %s\n", cfg.CacheDir)
	fmt.Fprintf(w, "compiler = %s\n", cfg.Compiler)
	fmt.Fprintf(w, "compiler_check = %s\n", cfg.CompilerCheck)
	fmt.Fprintf(w, "cpp_extension = %s\n", cfg.CPPExtension)
	fmt.Fprintf(w, "debug = %t\n", cfg.Debug)
	fmt.Fprintf(w, "depend_mode = %t\n", cfg.DependMode)
	fmt.Fprintf(w, "direct_mode = %t\n", cfg.DirectMode)
	fmt.Fprintf(w, "disable = %t\n", cfg.Disable)
	fmt.Fprintf(w, "hard_link = %t\n", cfg.HardLink)
	fmt.Fprintf(w, "hash_dir = %t\n", cfg.HashDir)
	fmt.Fprintf(w, "keep_comments_cpp = %t\n", cfg.KeepCommentsCPP)
	fmt.Fprintf(w, "limit_multiple = %g\n", cfg.LimitMultiple)
	fmt.Fprintf(w, "max_files = %d\n", cfg.MaxFiles)
	fmt.Fprintf(w, "max_size = %d\n", cfg.MaxSize)
	fmt.Fprintf(w, "prefix_command = %s\n", cfg.PrefixCommand)
	fmt.Fprintf(w, "prefix_command_cpp = %s\n", cfg.PrefixCommandCPP)
	fmt.Fprintf(w, "read_only = %t\n", cfg.ReadOnly)
	fmt.Fprintf(w, "read_only_direct = %t\n", cfg.ReadOnlyDirect)
	fmt.Fprintf(w, "recache = %t\n", cfg.Recache)
	fmt.Fprintf(w, "run_second_cpp = %t\n", cfg.RunSecondCPP)
	fmt.Fprintf(w, "sloppiness = %s\n", cfg.Sloppiness)
	fmt.Fprintf(w, "extra_files_to_hash = %s\n", strings.Join(cfg.ExtraFilesToHash, " "))
	fmt.Fprintf(w, "ignore_headers_in_manifest = %s\n", strings.Join(cfg.IgnoreHeadersInManifest, " "))
	fmt.Fprintf(w, "temporary_dir = %s\n", cfg.TemporaryDir)
	fmt.Fprintf(w, "umask = %s\n", cfg.Umask)
}

// hashFilePath prints the hex digest of path's content ("-" for stdin), the
// --hash-file admin action (SPEC_FULL.md module expansion item 1), grounded
// on _examples/original_source/hash.c's hash_buffer/hash_result: one
// accumulating hash over the whole stream, printed as hex.
func hashFilePath(w io.Writer, path string) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("cmd: opening %q: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("cmd: reading %q: %w", path, err)
	}

	fmt.Fprintln(w, digest.Sum(data).String())
	return nil
}

// dumpManifestPath prints a human-readable rendering of the manifest at
// path, the --dump-manifest admin action.
func dumpManifestPath(w io.Writer, path string) error {
	return manifest.Dump(w, path)
}
