package config_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/ccache-core/ccache/pkg/config"
	"github.com/ccache-core/ccache/pkg/hashbuild"
	"github.com/ccache-core/ccache/pkg/sloppy"
)

func runWith(t *testing.T, args []string) config.Config {
	t.Helper()

	var cfg config.Config
	cmd := &cli.Command{
		Name:  "ccache",
		Flags: config.Flags(&cfg),
		Action: func(_ context.Context, c *cli.Command) error {
			return config.FromCommand(&cfg, c)
		},
	}

	require.NoError(t, cmd.Run(context.Background(), append([]string{"ccache"}, args...)))

	return cfg
}

func TestFlags_DefaultsMatchCcacheConventions(t *testing.T) {
	cfg := runWith(t, nil)

	assert.Equal(t, "mtime", cfg.CompilerCheck)
	assert.Equal(t, "i", cfg.CPPExtension)
	assert.InDelta(t, 0.8, cfg.LimitMultiple, 0.0001)
	assert.Equal(t, uint64(5_000_000_000), cfg.MaxSize)
	assert.True(t, cfg.DirectMode)
	assert.True(t, cfg.RunSecondCPP)
}

func TestFlags_OverridesFromArgs(t *testing.T) {
	cfg := runWith(t, []string{
		"--max-size", "2G",
		"--max-files", "40000",
		"--sloppiness", "time_macros,system_headers",
		"--base-dir", "/src",
	})

	assert.Equal(t, uint64(2_000_000_000), cfg.MaxSize)
	assert.Equal(t, uint64(40000), cfg.MaxFiles)
	assert.Equal(t, "/src", cfg.BaseDir)
	assert.True(t, cfg.Sloppiness.Has(sloppy.TimeMacros))
	assert.True(t, cfg.Sloppiness.Has(sloppy.SystemHeaders))
}

func TestFlags_ReadFromEnvironment(t *testing.T) {
	t.Setenv("CCACHE_DIR", t.TempDir())
	t.Setenv("CCACHE_READONLY", "true")

	cfg := runWith(t, nil)

	assert.True(t, cfg.ReadOnly)
}

func TestCompilerCheckMode_DecodesEachForm(t *testing.T) {
	cases := []struct {
		raw      string
		wantMode hashbuild.CompilerCheckMode
		wantLit  string
	}{
		{"mtime", hashbuild.CompilerCheckMtime, ""},
		{"", hashbuild.CompilerCheckMtime, ""},
		{"content", hashbuild.CompilerCheckContent, ""},
		{"none", hashbuild.CompilerCheckNone, ""},
		{"string:abc123", hashbuild.CompilerCheckString, "abc123"},
		{"/usr/bin/cc -dumpversion", hashbuild.CompilerCheckCommand, "/usr/bin/cc -dumpversion"},
	}

	for _, tc := range cases {
		cfg := config.Config{CompilerCheck: tc.raw}
		mode, lit := cfg.CompilerCheckMode()
		assert.Equal(t, tc.wantMode, mode, tc.raw)
		assert.Equal(t, tc.wantLit, lit, tc.raw)
	}
}
