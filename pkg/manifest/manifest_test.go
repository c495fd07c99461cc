package manifest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccache-core/ccache/pkg/digest"
	"github.com/ccache-core/ccache/pkg/manifest"
)

func alwaysAccept(entry manifest.IncludeEntry, size uint64, mtime, ctime int64, digestMatches bool) bool {
	return digestMatches
}

func statOf(sizes map[string]uint64) manifest.StatFunc {
	return func(path string) (uint64, int64, int64, error) {
		s, ok := sizes[path]
		if !ok {
			return 0, 0, 0, os.ErrNotExist
		}
		return s, 1000, 1000, nil
	}
}

func digestOf(digests map[string]digest.Digest) manifest.DigestFunc {
	return func(path string) (digest.Digest, error) {
		d, ok := digests[path]
		if !ok {
			return digest.Digest{}, os.ErrNotExist
		}
		return d, nil
	}
}

func TestManifest_PutThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "x.manifest")

	headerDigest := digest.Sum([]byte("header-a.h-v1"))
	entries := []manifest.IncludeEntry{
		{Path: "/base/a.h", Digest: headerDigest, Size: 12, Mtime: 100, Ctime: 100},
	}
	objKey := digest.Sum([]byte("object-key-1"))

	require.NoError(t, manifest.Put(ctx, path, objKey, entries))

	stat := statOf(map[string]uint64{"/base/a.h": 12})
	dig := digestOf(map[string]digest.Digest{"/base/a.h": headerDigest})

	got, ok, err := manifest.Get(ctx, path, stat, dig, alwaysAccept)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, objKey, got)
}

func TestManifest_GetMissesWhenIncludeDigestChanged(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "x.manifest")

	origDigest := digest.Sum([]byte("v1"))
	entries := []manifest.IncludeEntry{
		{Path: "/base/a.h", Digest: origDigest, Size: 2, Mtime: 100, Ctime: 100},
	}
	objKey := digest.Sum([]byte("object-key-1"))
	require.NoError(t, manifest.Put(ctx, path, objKey, entries))

	stat := statOf(map[string]uint64{"/base/a.h": 2})
	newDigest := digest.Sum([]byte("v2-changed"))
	dig := digestOf(map[string]digest.Digest{"/base/a.h": newDigest})

	_, ok, err := manifest.Get(ctx, path, stat, dig, alwaysAccept)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManifest_GetReturnsNewestMatchingResult(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "x.manifest")

	hDigest := digest.Sum([]byte("stable-header"))
	entries := []manifest.IncludeEntry{
		{Path: "/base/a.h", Digest: hDigest, Size: 1, Mtime: 1, Ctime: 1},
	}

	first := digest.Sum([]byte("first"))
	second := digest.Sum([]byte("second"))
	require.NoError(t, manifest.Put(ctx, path, first, entries))
	require.NoError(t, manifest.Put(ctx, path, second, entries))

	stat := statOf(map[string]uint64{"/base/a.h": 1})
	dig := digestOf(map[string]digest.Digest{"/base/a.h": hDigest})

	got, ok, err := manifest.Get(ctx, path, stat, dig, alwaysAccept)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, got)
}

func TestManifest_UnreadableFileTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "garbage.manifest")
	require.NoError(t, os.WriteFile(path, []byte("not a manifest at all"), 0o600))

	_, ok, err := manifest.Get(ctx, path, statOf(nil), digestOf(nil), alwaysAccept)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManifest_GetOnMissingFileReturnsAbsent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "does-not-exist.manifest")

	_, ok, err := manifest.Get(ctx, path, statOf(nil), digestOf(nil), alwaysAccept)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManifest_DumpDescribesAbsentManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.manifest")
	var buf writeRecorder
	require.NoError(t, manifest.Dump(&buf, path))
	assert.Contains(t, buf.String(), "absent")
}

type writeRecorder struct{ data []byte }

func (w *writeRecorder) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *writeRecorder) String() string { return string(w.data) }
