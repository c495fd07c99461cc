package shard_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccache-core/ccache/pkg/digest"
	"github.com/ccache-core/ccache/pkg/lock"
	"github.com/ccache-core/ccache/pkg/shard"
	"github.com/ccache-core/ccache/pkg/stats"
	"github.com/ccache-core/ccache/pkg/store"
)

func TestManager_FlushAccumulatesAcrossCalls(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := store.New(root)
	locker := lock.New(lock.Config{StalenessWindow: time.Second, MinSleep: time.Millisecond, MaxSleep: 2 * time.Millisecond})
	m := shard.NewManager(s, locker, store.EvictConfig{MaxFilesPerShard: 1000, MaxBytesPerShard: 1 << 30, LimitMultiple: 0.8})

	key := digest.Sum([]byte("a.c"))

	delta1 := stats.New()
	delta1.Add(stats.Miss, 1)
	require.NoError(t, m.Flush(ctx, key, delta1))

	delta2 := stats.New()
	delta2.Add(stats.HitPreprocessor, 1)
	require.NoError(t, m.Flush(ctx, key, delta2))

	statsPath := s.ShardDir(key) + "/stats"
	c, err := stats.ReadFile(statsPath)
	require.NoError(t, err)
	require.Equal(t, int64(1), c.Get(stats.Miss))
	require.Equal(t, int64(1), c.Get(stats.HitPreprocessor))
}

func TestManager_FlushTriggersEvictionOverThreshold(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := store.New(root)
	locker := lock.New(lock.Config{StalenessWindow: time.Second, MinSleep: time.Millisecond, MaxSleep: 2 * time.Millisecond})
	m := shard.NewManager(s, locker, store.EvictConfig{MaxFilesPerShard: 0, MaxBytesPerShard: 1, LimitMultiple: 1.0})

	key := digest.Sum([]byte("b.c"))
	_, err := s.Install(ctx, key, ".o", &zeroReader{n: 10})
	require.NoError(t, err)

	delta := stats.New()
	delta.Add(stats.KibibytesInShard, 1)
	delta.Add(stats.FilesInShard, 1)
	require.NoError(t, m.Flush(ctx, key, delta))

	statsPath := s.ShardDir(key) + "/stats"
	c, err := stats.ReadFile(statsPath)
	require.NoError(t, err)
	require.GreaterOrEqual(t, c.Get(stats.CleanupsRun), int64(1))
}

type zeroReader struct{ n int }

func (z *zeroReader) Read(p []byte) (int, error) {
	if z.n <= 0 {
		return 0, io.EOF
	}
	k := len(p)
	if k > z.n {
		k = z.n
	}
	for i := 0; i < k; i++ {
		p[i] = 0
	}
	z.n -= k
	return k, nil
}
