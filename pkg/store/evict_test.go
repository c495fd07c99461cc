package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccache-core/ccache/pkg/store"
)

func writeAged(t *testing.T, dir, name string, size int, age time.Duration) {
	t.Helper()

	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o600))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func TestEvictShard_RemovesOldestFamiliesFirst(t *testing.T) {
	shard := t.TempDir()

	// Oldest family: aaa.{o,stderr}; newest: bbb.{o,stderr}.
	writeAged(t, shard, "aaa.o", 100, 3*time.Hour)
	writeAged(t, shard, "aaa.stderr", 10, 3*time.Hour)
	writeAged(t, shard, "bbb.o", 100, time.Minute)
	writeAged(t, shard, "bbb.stderr", 10, time.Minute)
	writeAged(t, shard, "CACHEDIR.TAG", 1, 5*time.Hour)
	writeAged(t, shard, "stats", 1, 5*time.Hour)

	result, err := store.EvictShard(context.Background(), shard, store.EvictConfig{
		MaxFilesPerShard: 2,
		MaxBytesPerShard: 1_000_000,
		LimitMultiple:    1.0,
	})
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(shard, "aaa.o"))
	assert.NoFileExists(t, filepath.Join(shard, "aaa.stderr"))
	assert.FileExists(t, filepath.Join(shard, "bbb.o"))
	assert.FileExists(t, filepath.Join(shard, "bbb.stderr"))
	assert.FileExists(t, filepath.Join(shard, "CACHEDIR.TAG"))
	assert.FileExists(t, filepath.Join(shard, "stats"))
	assert.Equal(t, int64(2), result.FilesDeleted)
}

func TestEvictShard_PreservesStatsAndCachedirTag(t *testing.T) {
	shard := t.TempDir()

	writeAged(t, shard, "aaa.o", 100, time.Hour)
	writeAged(t, shard, "aaa.stderr", 10, time.Hour)
	writeAged(t, shard, "CACHEDIR.TAG", 1, 10*time.Hour)
	writeAged(t, shard, "stats", 1, 10*time.Hour)

	_, err := store.EvictShard(context.Background(), shard, store.EvictConfig{
		MaxFilesPerShard: 0,
		MaxBytesPerShard: 0,
		LimitMultiple:    1.0,
	})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(shard, "CACHEDIR.TAG"))
	assert.FileExists(t, filepath.Join(shard, "stats"))
}

func TestEvictShard_DeletesStaleTempDebrisUnconditionally(t *testing.T) {
	shard := t.TempDir()

	writeAged(t, shard, "somekey-abc.tmp", 5, 2*time.Hour)

	_, err := store.EvictShard(context.Background(), shard, store.EvictConfig{
		MaxFilesPerShard: 1000,
		MaxBytesPerShard: 1000,
		LimitMultiple:    1.0,
	})
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(shard, "somekey-abc.tmp"))
}
