package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccache-core/ccache/pkg/config"
	"github.com/ccache-core/ccache/pkg/stats"
)

func TestShardDirs(t *testing.T) {
	t.Parallel()

	dirs := shardDirs("/cache")
	assert.Len(t, dirs, 16*16)
	assert.Contains(t, dirs, filepath.Join("/cache", "0", "0"))
	assert.Contains(t, dirs, filepath.Join("/cache", "f", "f"))
}

func TestAggregateStatsEmptyCache(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{CacheDir: t.TempDir()}

	total, err := aggregateStats(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total.Get(stats.HitDirect))
}

func TestAggregateStatsSumsShards(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cfg := &config.Config{CacheDir: root}

	for _, shard := range []string{filepath.Join(root, "0", "0"), filepath.Join(root, "a", "1")} {
		require.NoError(t, os.MkdirAll(shard, 0o700))

		c := stats.New()
		c.Add(stats.HitDirect, 3)
		require.NoError(t, os.WriteFile(filepath.Join(shard, "stats"), c.Encode(), 0o600))
	}

	total, err := aggregateStats(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(6), total.Get(stats.HitDirect))
}

func TestClearAllPreservesConfigFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cfg := &config.Config{CacheDir: root}

	require.NoError(t, os.MkdirAll(filepath.Join(root, "0", "0"), 0o700))
	require.NoError(t, os.WriteFile(configFilePath(root), []byte("max_size = 1G\n"), 0o600))

	require.NoError(t, clearAll(cfg))

	_, err := os.Stat(filepath.Join(root, "0"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(configFilePath(root))
	assert.NoError(t, err)
}

func TestPrintStatsLabeledAndRaw(t *testing.T) {
	t.Parallel()

	c := stats.New()
	c.Add(stats.HitDirect, 2)
	c.Add(stats.Miss, 1)

	var labeled bytes.Buffer
	printStatsLabeled(&labeled, c)
	assert.Contains(t, labeled.String(), "cache hit (direct)")

	var raw bytes.Buffer
	printStatsRaw(&raw, c)
	lines := strings.Split(strings.TrimRight(raw.String(), "\n"), "\n")
	assert.Len(t, lines, c.Len())
	assert.Equal(t, "2", lines[stats.HitDirect])
	assert.Equal(t, "1", lines[stats.Miss])
}

func TestPrintConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{CacheDir: "/tmp/x", MaxSize: 100}

	var buf bytes.Buffer
	printConfig(&buf, cfg)
	out := buf.String()

	assert.Contains(t, out, "cache_dir = /tmp/x")
	assert.Contains(t, out, "max_size = 100")
}

func TestHashFilePath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "source.c")
	require.NoError(t, os.WriteFile(path, []byte("int main(void) { return 0; }\n"), 0o600))

	var buf bytes.Buffer
	require.NoError(t, hashFilePath(&buf, path))
	assert.Len(t, strings.TrimSpace(buf.String()), 40) // 20-byte digest, hex-encoded
}

func TestHashFileMissing(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := hashFilePath(&buf, filepath.Join(t.TempDir(), "missing.c"))
	assert.Error(t, err)
}
