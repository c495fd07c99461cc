package scanner_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccache-core/ccache/pkg/scanner"
	"github.com/ccache-core/ccache/pkg/sloppy"
)

func TestScan_RecognizesHashLineMarkerAndCollectsInclude(t *testing.T) {
	dir := t.TempDir()
	header := filepath.Join(dir, "a.h")
	require.NoError(t, os.WriteFile(header, []byte("#define X 1\n"), 0o600))

	preprocessed := "# 1 \"" + header + "\"\nint x;\n"

	res, err := scanner.Scan(strings.NewReader(preprocessed), scanner.Options{
		CompileStart: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, res.IncludePaths, 1)
	assert.Equal(t, header, res.IncludePaths[0])
	assert.True(t, res.HasAbsoluteIncludePaths)
}

func TestScan_SkipsAngleBracketPseudoPaths(t *testing.T) {
	preprocessed := "# 1 \"<built-in>\"\nint x;\n"

	res, err := scanner.Scan(strings.NewReader(preprocessed), scanner.Options{
		CompileStart: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, res.IncludePaths)
}

func TestScan_RejectsIncludeFileModifiedAfterCompileStart(t *testing.T) {
	dir := t.TempDir()
	header := filepath.Join(dir, "racy.h")
	require.NoError(t, os.WriteFile(header, []byte("x"), 0o600))

	preprocessed := "# 1 \"" + header + "\"\nint x;\n"

	_, err := scanner.Scan(strings.NewReader(preprocessed), scanner.Options{
		CompileStart: time.Now().Add(-time.Hour),
	})
	require.ErrorIs(t, err, scanner.ErrIncludeFileRace)
}

func TestScan_IncludeFileRaceToleratedUnderMtimeAndCtimeSloppiness(t *testing.T) {
	dir := t.TempDir()
	header := filepath.Join(dir, "racy.h")
	require.NoError(t, os.WriteFile(header, []byte("x"), 0o600))

	preprocessed := "# 1 \"" + header + "\"\nint x;\n"

	res, err := scanner.Scan(strings.NewReader(preprocessed), scanner.Options{
		CompileStart: time.Now().Add(-time.Hour),
		Sloppiness:   sloppy.Parse("include_file_mtime,include_file_ctime"),
	})
	require.NoError(t, err)
	assert.Len(t, res.IncludePaths, 1)
}

func TestScan_DetectsIncbinDirective(t *testing.T) {
	preprocessed := "asm(\".incbin \\\"data.bin\\\"\");\n"

	_, err := scanner.Scan(strings.NewReader(preprocessed), scanner.Options{})
	require.ErrorIs(t, err, scanner.ErrIncbinDirective)
}

func TestScan_StripsDistccPumpBanner(t *testing.T) {
	preprocessed := "_________Using distcc-pump from /usr/bin\nint x;\n"

	res, err := scanner.Scan(strings.NewReader(preprocessed), scanner.Options{Pump: true})
	require.NoError(t, err)
	assert.NotContains(t, string(res.Canonical), "distcc-pump")
	assert.Contains(t, string(res.Canonical), "int x;")
}

func TestScan_RewritesPathUnderBaseDirectory(t *testing.T) {
	base := t.TempDir()
	cwd := filepath.Join(base, "build")
	require.NoError(t, os.MkdirAll(cwd, 0o700))
	header := filepath.Join(base, "include", "a.h")
	require.NoError(t, os.MkdirAll(filepath.Dir(header), 0o700))
	require.NoError(t, os.WriteFile(header, []byte("x"), 0o600))

	preprocessed := "# 1 \"" + header + "\"\nint x;\n"

	res, err := scanner.Scan(strings.NewReader(preprocessed), scanner.Options{
		BaseDir:      base,
		CWD:          cwd,
		CompileStart: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, res.IncludePaths, 1)
	assert.False(t, filepath.IsAbs(res.IncludePaths[0]))
}

func TestScan_HandlesGCC6CommandLineWorkaround(t *testing.T) {
	preprocessed := "# 31 \"<command-line>\"\nint before;\n# 32 \"<command-line>\" 2\nint after;\n"

	res, err := scanner.Scan(strings.NewReader(preprocessed), scanner.Options{})
	require.NoError(t, err)
	assert.Contains(t, string(res.Canonical), "int before;")
	assert.Contains(t, string(res.Canonical), "int after;")
}
