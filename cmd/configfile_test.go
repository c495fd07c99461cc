package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFilePathHonorsEnvOverride(t *testing.T) {
	t.Setenv("CCACHE_CONFIGPATH", "/somewhere/else.conf")
	assert.Equal(t, "/somewhere/else.conf", configFilePath("/cache"))
}

func TestConfigFilePathDefault(t *testing.T) {
	t.Setenv("CCACHE_CONFIGPATH", "")
	assert.Equal(t, filepath.Join("/cache", "ccache.conf"), configFilePath("/cache"))
}

func TestSplitConfigLine(t *testing.T) {
	t.Parallel()

	k, v, ok := splitConfigLine("max_size = 5G")
	assert.True(t, ok)
	assert.Equal(t, "max_size", k)
	assert.Equal(t, "5G", v)

	_, _, ok = splitConfigLine("  # a comment")
	assert.False(t, ok)

	_, _, ok = splitConfigLine("")
	assert.False(t, ok)

	_, _, ok = splitConfigLine("not-a-key-value-line")
	assert.False(t, ok)
}

func TestGetSetConfigKeyRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ccache.conf")

	_, found, err := getConfigKey(path, "max_size")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, setConfigKey(path, "max_size", "5G"))

	value, found, err := getConfigKey(path, "max_size")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "5G", value)
}

func TestSetConfigKeyOverwritesInPlace(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ccache.conf")

	require.NoError(t, setConfigKey(path, "max_size", "5G"))
	require.NoError(t, setConfigKey(path, "compiler", "clang"))
	require.NoError(t, setConfigKey(path, "max_size", "10G"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	lines, err := readConfigFileLines(path)
	require.NoError(t, err)
	assert.Len(t, lines, 2, "overwriting max_size must not append a duplicate line: %s", raw)

	value, found, err := getConfigKey(path, "max_size")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "10G", value)

	value, found, err = getConfigKey(path, "compiler")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "clang", value)
}
