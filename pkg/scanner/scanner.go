// Package scanner implements the preprocessed-source scanner of spec.md
// §4.F: it walks a compiler's preprocessed output line by line, recognizes
// the line markers preprocessors emit for included files, rewrites their
// paths, and builds the set of include-file entries a manifest needs —
// while producing a canonicalized byte stream for the hash builder.
//
// Grounded on _examples/original_source/src/ccache.c (the line-marker
// recognition loop, the GCC 6 "<command-line>" workaround, the distcc-pump
// banner strip, and the .incbin bail-out) translated from its pointer-walk
// form into a line-oriented Go scanner; no direct teacher (ncps) analog
// exists for this concern, so the implementation uses bufio.Scanner rather
// than a third-party parsing library (see DESIGN.md's stdlib-usage
// justification).
package scanner

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ccache-core/ccache/pkg/digest"
	"github.com/ccache-core/ccache/pkg/sloppy"
)

// ErrIncbinDirective is returned when a scanned source contains a raw
// `.incbin` assembler directive: the referenced binary cannot be tracked,
// so the invocation must be treated as a cache miss (spec.md §4.F).
var ErrIncbinDirective = errors.New("scanner: found unsupported .incbin directive")

// ErrIncludeFileRace is returned when an included file's mtime or ctime is
// at or after the invocation's recorded compile-start time and the
// corresponding sloppiness is not enabled (spec.md §4.F, §8 scenario S6).
var ErrIncludeFileRace = errors.New("scanner: included file modified at or after compile start")

// Options configures one scan.
type Options struct {
	// CWD is the invocation's current working directory, used as the
	// target of base-directory path rewriting.
	CWD string
	// BaseDir is the configured base directory; include paths under it
	// are rewritten relative to CWD. Empty disables rewriting.
	BaseDir string
	// PrimaryInput is the source file path being compiled; it is never
	// added to the manifest's include set.
	PrimaryInput string
	// IgnorePrefixes skips any include path with one of these prefixes.
	IgnorePrefixes []string
	// CompileStart is the invocation's recorded compile-start time;
	// included files stat'd at or after it are rejected as a race unless
	// the matching sloppiness bit is set.
	CompileStart time.Time
	// HashDir mirrors ccache's hash_dir option: when false, a CWD path
	// injected by `-g` as `# 1 "CWD//"` is not hashed.
	HashDir bool
	// Pump enables stripping of distcc-pump banner lines.
	Pump bool

	Sloppiness sloppy.Set
}

// Result holds the scanner's two outputs: the canonicalized byte stream to
// feed into the hash builder, and the include-file entries gathered for a
// manifest (spec.md §4.F).
type Result struct {
	Canonical               []byte
	Includes                []digest.Digest // digests only; paths in IncludePaths at same index
	IncludePaths            []string
	HasAbsoluteIncludePaths bool
}

var (
	hashMarkRe = regexp.MustCompile(`^#\s*(\d+)\s*"([^"]*)"(.*)$`)
	lineRe     = regexp.MustCompile(`^#line\s+(\d+)\s*(?:"([^"]*)")?(.*)$`)
	pchRe      = regexp.MustCompile(`^#pragma GCC pch_preprocess "([^"]*)"`)
)

// Scan reads a preprocessor's stdout from r and returns the canonicalized
// stream plus the gathered include entries, per spec.md §4.F.
func Scan(r io.Reader, opts Options) (Result, error) {
	res := Result{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var out bytes.Buffer
	seen := make(map[string]bool)

	for sc.Scan() {
		line := sc.Text()

		// Workarounds for a preprocessor linemarker bug in GCC 6: a bogus
		// "# 31 \"<command-line>\"" line is dropped entirely, and a bogus
		// "# 32 \"<command-line>\" 2" line has its line number rewritten
		// to the conventional "# 1" (spec.md §4.F, original_source).
		if strings.HasPrefix(line, `# 31 "<command-line>"`) {
			continue
		}
		if strings.HasPrefix(line, `# 32 "<command-line>" 2`) {
			line = "# 1" + line[len(`# 32`):]
		}

		if opts.Pump && strings.HasPrefix(line, "_________") {
			continue
		}

		if strings.Contains(line, ".incbin") {
			return Result{}, ErrIncbinDirective
		}

		path, system, matched := parseLineMarker(line)
		if !matched {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}

		rewritten := rewritePath(path, opts)

		if !opts.HashDir && opts.CWD != "" && strings.HasPrefix(rewritten, opts.CWD) && strings.HasSuffix(rewritten, "//") {
			// `-g`-style "# 1 \"CWD//\"" marker; caller opted out of
			// hashing the CWD, so skip hashing this path.
		} else {
			out.WriteString(rewritten)
		}

		if filepath.IsAbs(path) {
			res.HasAbsoluteIncludePaths = true
		}

		if shouldSkipInclude(rewritten, opts) {
			continue
		}
		if system && opts.Sloppiness.Has(sloppy.SystemHeaders) {
			continue
		}
		if seen[rewritten] {
			continue
		}
		seen[rewritten] = true

		// A relative path (as written, or after rewriting) is relative to
		// the invocation's CWD, not to this process's working directory.
		statPath := rewritten
		if !filepath.IsAbs(statPath) && opts.CWD != "" {
			statPath = filepath.Join(opts.CWD, statPath)
		}

		d, skip, err := digestIncludeFile(statPath, opts)
		if err != nil {
			return Result{}, err
		}
		if skip {
			continue
		}

		res.IncludePaths = append(res.IncludePaths, rewritten)
		res.Includes = append(res.Includes, d)
	}

	if err := sc.Err(); err != nil {
		return Result{}, fmt.Errorf("scanner: reading preprocessed output: %w", err)
	}

	res.Canonical = out.Bytes()
	return res, nil
}

func parseLineMarker(line string) (path string, system bool, matched bool) {
	if m := hashMarkRe.FindStringSubmatch(line); m != nil {
		return m[2], parseFlagsHasSystem(m[3]), true
	}
	if m := pchRe.FindStringSubmatch(line); m != nil {
		return m[1], false, true
	}
	if m := lineRe.FindStringSubmatch(line); m != nil && m[2] != "" {
		return m[2], parseFlagsHasSystem(m[3]), true
	}
	return "", false, false
}

// rewritePath implements spec.md §4.F's base-directory relocation: a path
// under opts.BaseDir is replaced with a path relative to opts.CWD.
func rewritePath(path string, opts Options) string {
	if opts.BaseDir == "" || opts.CWD == "" {
		return path
	}
	if !strings.HasPrefix(path, opts.BaseDir) {
		return path
	}
	rel, err := filepath.Rel(opts.CWD, path)
	if err != nil {
		return path
	}
	return rel
}

func shouldSkipInclude(path string, opts Options) bool {
	if path == "" {
		return true
	}
	if path == opts.PrimaryInput {
		return true
	}
	if strings.HasPrefix(path, "<") && strings.HasSuffix(path, ">") {
		return true
	}
	for _, prefix := range opts.IgnorePrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// digestIncludeFile stats and hashes one include candidate. skip is true
// when the path should be dropped from the manifest's include set
// entirely (directory, non-regular, or unreadable) without being an
// error; err is non-nil only for the include-file race (spec.md §4.F).
func digestIncludeFile(path string, opts Options) (d digest.Digest, skip bool, err error) {
	info, statErr := os.Lstat(path)
	if statErr != nil {
		// Unreadable include path: skip quietly rather than failing the
		// whole scan; a genuinely missing header will fail compilation
		// itself further down the pipeline.
		return digest.Digest{}, true, nil
	}
	if info.IsDir() || !info.Mode().IsRegular() {
		return digest.Digest{}, true, nil
	}

	if !opts.CompileStart.IsZero() {
		mtime := info.ModTime()
		if !opts.Sloppiness.Has(sloppy.IncludeFileMtime) && !mtime.Before(opts.CompileStart) {
			return digest.Digest{}, false, fmt.Errorf("%w: %s (mtime)", ErrIncludeFileRace, path)
		}
		if ctime, ok := changeTime(info); ok {
			if !opts.Sloppiness.Has(sloppy.IncludeFileCtime) && !ctime.Before(opts.CompileStart) {
				return digest.Digest{}, false, fmt.Errorf("%w: %s (ctime)", ErrIncludeFileRace, path)
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return digest.Digest{}, true, nil
	}

	return digest.Sum(data), false, nil
}

// parseFlagsHasSystem reports whether trailing linemarker flags (space
// separated integers after the path) contain the system-header flag "3".
func parseFlagsHasSystem(flags string) bool {
	for _, f := range strings.Fields(flags) {
		if n, err := strconv.Atoi(f); err == nil && n == 3 {
			return true
		}
	}
	return false
}
