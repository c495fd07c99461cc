package hashbuild_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccache-core/ccache/pkg/args"
	"github.com/ccache-core/ccache/pkg/digest"
	"github.com/ccache-core/ccache/pkg/hashbuild"
	"github.com/ccache-core/ccache/pkg/sloppy"
)

func compilerFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cc")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o700))
	return path
}

func TestCommon_DeterministicAcrossIdenticalInputs(t *testing.T) {
	compiler := compilerFixture(t)
	v := &args.Vectors{Common: []string{"-O2"}, Cpp: []string{"-Iinclude"}}

	in := hashbuild.CommonInputs{
		PreprocessedExtension: ".i",
		CompilerCheckMode:     hashbuild.CompilerCheckMtime,
		CompilerPath:          compiler,
		CompilerBasename:      "cc",
		Env:                   map[string]string{"LANG": "C"},
		Vectors:               v,
	}

	d1, err := hashbuild.Common(in)
	require.NoError(t, err)
	d2, err := hashbuild.Common(in)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestCommon_DiffersWhenArgumentsDiffer(t *testing.T) {
	compiler := compilerFixture(t)
	base := hashbuild.CommonInputs{
		PreprocessedExtension: ".i",
		CompilerCheckMode:     hashbuild.CompilerCheckMtime,
		CompilerPath:          compiler,
		CompilerBasename:      "cc",
		Vectors:               &args.Vectors{Common: []string{"-O2"}},
	}
	other := base
	other.Vectors = &args.Vectors{Common: []string{"-O3"}}

	d1, err := hashbuild.Common(base)
	require.NoError(t, err)
	d2, err := hashbuild.Common(other)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestCommon_LocaleEnvIgnoredUnderSloppiness(t *testing.T) {
	compiler := compilerFixture(t)
	withLang := hashbuild.CommonInputs{
		CompilerCheckMode: hashbuild.CompilerCheckNone,
		CompilerPath:      compiler,
		CompilerBasename:  "cc",
		Env:               map[string]string{"LANG": "en_US.UTF-8"},
		Sloppiness:        sloppy.Parse("locale"),
	}
	withoutLang := withLang
	withoutLang.Env = map[string]string{"LANG": "fr_FR.UTF-8"}

	d1, err := hashbuild.Common(withLang)
	require.NoError(t, err)
	d2, err := hashbuild.Common(withoutLang)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestDirect_RejectsDateMacroWithoutSloppiness(t *testing.T) {
	_, err := hashbuild.Direct(digest.Digest{}, hashbuild.DirectInputs{
		InputPath:    "a.c",
		InputContent: []byte("const char *d = __DATE__;"),
	})
	require.True(t, errors.Is(err, hashbuild.ErrTimeMacroPresent))
}

func TestDirect_AllowsDateMacroWithSloppiness(t *testing.T) {
	_, err := hashbuild.Direct(digest.Digest{}, hashbuild.DirectInputs{
		Common:       hashbuild.CommonInputs{Sloppiness: sloppy.Parse("time_macros")},
		InputPath:    "a.c",
		InputContent: []byte("const char *d = __DATE__;"),
	})
	require.NoError(t, err)
}

func TestDirectModeAllowed_DisabledOnAnyGuard(t *testing.T) {
	assert.True(t, hashbuild.DirectModeAllowed(false, false, false))
	assert.False(t, hashbuild.DirectModeAllowed(true, false, false))
	assert.False(t, hashbuild.DirectModeAllowed(false, true, false))
	assert.False(t, hashbuild.DirectModeAllowed(false, false, true))
}
