// Package hashbuild implements the hash builder of spec.md §4.I: it
// assembles the "common hash" shared by both cache-lookup modes, then
// extends it either for direct mode (producing a ManifestKey) or
// preprocessor mode (producing an ObjectKey).
//
// Grounded on spec.md §4.I's enumerated input list and
// _examples/original_source/ccache.c's hash-building call order (the
// version prefix, compiler-identity dispatch by compiler_check mode, the
// locale/coverage/sanitizer/extra-files additions, and the direct-mode
// __DATE__/__TIME__/__TIMESTAMP__ bail-out); composed from component A's
// digest.Hasher the way the teacher composes its own primitives.
package hashbuild

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ccache-core/ccache/pkg/args"
	"github.com/ccache-core/ccache/pkg/digest"
	"github.com/ccache-core/ccache/pkg/scanner"
	"github.com/ccache-core/ccache/pkg/sloppy"
)

// VersionPrefix seeds every hash so that a future incompatible change to
// the hashing scheme invalidates old cache entries wholesale.
const VersionPrefix = "ccache-core-hash-v1"

// ManifestVersionConstant seeds the direct-mode extension, distinguishing
// a ManifestKey from a plain common-hash digest even when every other
// input happens to coincide.
const ManifestVersionConstant = "manifest-v1"

// CompilerCheckMode selects how compiler identity is folded into the
// common hash (spec.md §4.I).
type CompilerCheckMode int

const (
	CompilerCheckMtime CompilerCheckMode = iota
	CompilerCheckContent
	CompilerCheckString
	CompilerCheckNone
	CompilerCheckCommand
)

// CommonInputs bundles every input spec.md §4.I lists for the common
// hash.
type CommonInputs struct {
	PreprocessedExtension string

	CompilerCheckMode    CompilerCheckMode
	CompilerCheckLiteral string // used for CompilerCheckString and CompilerCheckCommand
	CompilerPath         string
	CompilerBasename     string

	ExtraIdentityFiles []string // -specs=, -fplugin=, -Xclang -load targets, nvcc -ccbin

	Env map[string]string

	HashCWD           bool
	CWD               string
	DebugPrefixMapOld string
	DebugPrefixMapNew string

	CoverageDataFile string

	SanitizerBlacklistFiles []string
	ExtraFilesToHash        []string

	GCCColors string
	IsGCC     bool

	Vectors *args.Vectors

	Sloppiness sloppy.Set
}

// Common computes the seed hash shared by both lookup modes (spec.md
// §4.I "Common hash").
func Common(in CommonInputs) (digest.Digest, error) {
	h := digest.New()

	h.AppendTagged("version", []byte(VersionPrefix))
	h.AppendTagged("cpp_ext", []byte(in.PreprocessedExtension))

	if err := appendCompilerIdentity(h, in); err != nil {
		return digest.Digest{}, err
	}

	h.AppendTagged("compiler_basename", []byte(in.CompilerBasename))

	if !in.Sloppiness.Has(sloppy.Locale) {
		for _, key := range []string{"LANG", "LC_ALL", "LC_CTYPE", "LC_MESSAGES"} {
			h.AppendTagged("env:"+key, []byte(in.Env[key]))
		}
	}

	if in.HashCWD && in.CWD != "" {
		cwd := in.CWD
		if in.DebugPrefixMapOld != "" {
			cwd = strings.ReplaceAll(cwd, in.DebugPrefixMapOld, in.DebugPrefixMapNew)
		}
		h.AppendTagged("cwd", []byte(cwd))
	}

	if in.CoverageDataFile != "" {
		h.AppendTagged("gcda", []byte(in.CoverageDataFile))
	}

	for _, path := range in.SanitizerBlacklistFiles {
		if err := h.AppendFile("sanitize_blacklist", path); err != nil {
			return digest.Digest{}, fmt.Errorf("hashbuild: hashing sanitizer blacklist %q: %w", path, err)
		}
	}

	for _, path := range in.ExtraFilesToHash {
		if err := h.AppendFile("extra_file", path); err != nil {
			return digest.Digest{}, fmt.Errorf("hashbuild: hashing extra file %q: %w", path, err)
		}
	}

	if in.IsGCC {
		h.AppendTagged("gcc_colors", []byte(in.Env["GCC_COLORS"]))
	}

	if in.Vectors != nil {
		for _, tok := range args.HashTokens(in.Vectors) {
			h.AppendTagged(tok.Tag, []byte(tok.Value))
		}
	}

	return h.Finalize(), nil
}

func appendCompilerIdentity(h *digest.Hasher, in CommonInputs) error {
	switch in.CompilerCheckMode {
	case CompilerCheckNone:
		return nil
	case CompilerCheckString:
		h.AppendTagged("compiler_check", []byte(in.CompilerCheckLiteral))
		return nil
	case CompilerCheckContent:
		if err := h.AppendFile("compiler_content", in.CompilerPath); err != nil {
			return fmt.Errorf("hashing compiler content: %w", err)
		}
		for _, extra := range in.ExtraIdentityFiles {
			if err := h.AppendFile("identity_content", extra); err != nil {
				return fmt.Errorf("hashing identity file %q: %w", extra, err)
			}
		}
		return nil
	case CompilerCheckCommand:
		fields := strings.Fields(in.CompilerCheckLiteral)
		if len(fields) == 0 {
			return fmt.Errorf("empty compiler_check command")
		}
		out, err := exec.Command(fields[0], fields[1:]...).Output()
		if err != nil {
			return fmt.Errorf("running compiler_check command %q: %w", in.CompilerCheckLiteral, err)
		}
		h.AppendTagged("compiler_check_cmd", out)
		return nil
	default: // CompilerCheckMtime
		info, err := os.Stat(in.CompilerPath)
		if err != nil {
			return fmt.Errorf("stat compiler %q: %w", in.CompilerPath, err)
		}
		h.AppendTagged("compiler_size", []byte(fmt.Sprintf("%d", info.Size())))
		h.AppendTagged("compiler_mtime", []byte(fmt.Sprintf("%d", info.ModTime().UnixNano())))
		return nil
	}
}

// DirectInputs bundles the extension spec.md §4.I describes for direct
// mode.
type DirectInputs struct {
	Common CommonInputs

	Env map[string]string

	InputPath    string
	InputContent []byte
}

// timeMacros are scanned for verbatim in the input file content; their
// presence disables direct mode unless time_macros sloppiness is set
// (spec.md §4.I, §8 scenario S2).
var timeMacros = []string{"__DATE__", "__TIME__", "__TIMESTAMP__"}

// ErrTimeMacroPresent signals that direct mode must be disabled and the
// invocation must fall through to preprocessor mode.
var ErrTimeMacroPresent = fmt.Errorf("hashbuild: time-sensitive macro present without time_macros sloppiness")

// Direct extends the common hash into a ManifestKey (spec.md §4.I). It
// returns ErrTimeMacroPresent when the source contains a time macro and
// the caller has not enabled the time_macros sloppiness — the caller
// must treat this as "disable direct mode", not a hard failure.
func Direct(commonDigest digest.Digest, in DirectInputs) (digest.Digest, error) {
	if !in.Common.Sloppiness.Has(sloppy.TimeMacros) {
		for _, macro := range timeMacros {
			if bytes.Contains(in.InputContent, []byte(macro)) {
				return digest.Digest{}, ErrTimeMacroPresent
			}
		}
	}

	h := digest.New()
	h.AppendTagged("common", commonDigest[:])
	h.AppendTagged("manifest_version", []byte(ManifestVersionConstant))

	for _, key := range []string{"CPATH", "C_INCLUDE_PATH", "CPLUS_INCLUDE_PATH", "OBJC_INCLUDE_PATH", "OBJCPLUS_INCLUDE_PATH"} {
		h.AppendTagged("env:"+key, []byte(in.Env[key]))
	}

	h.AppendTagged("input_path", []byte(in.InputPath))
	h.AppendTagged("input_content", in.InputContent)

	return h.Finalize(), nil
}

// PreprocessorInputs bundles the per-architecture preprocessor outputs
// spec.md §4.I folds into the ObjectKey.
type PreprocessorInputs struct {
	// Architectures lists the set of `-arch` values in invocation order;
	// a single-element slice containing "" means "no -arch given, one
	// preprocessor invocation".
	Architectures []string

	// RunPreprocessor is supplied by the orchestrator: given an arch (or
	// ""), it runs the real preprocessor and returns its stdout/stderr.
	RunPreprocessor func(arch string) (stdout, stderr []byte, err error)

	ScanOptions scanner.Options
}

// PreprocessorResult carries the ObjectKey plus every include-file entry
// gathered across all `-arch` passes, ready for a manifest_put.
type PreprocessorResult struct {
	ObjectKey digest.Digest
	Includes  []scanner.Result
}

// Preprocessor extends the common hash into an ObjectKey by feeding each
// architecture's preprocessed output and stderr through the scanner and
// hasher (spec.md §4.I "Preprocessor-mode extension").
func Preprocessor(commonDigest digest.Digest, in PreprocessorInputs) (PreprocessorResult, error) {
	h := digest.New()
	h.AppendTagged("common", commonDigest[:])

	archs := in.Architectures
	if len(archs) == 0 {
		archs = []string{""}
	}

	var includes []scanner.Result

	for _, arch := range archs {
		stdout, stderr, err := in.RunPreprocessor(arch)
		if err != nil {
			return PreprocessorResult{}, fmt.Errorf("hashbuild: preprocessing (arch=%q): %w", arch, err)
		}

		scanRes, err := scanner.Scan(bytes.NewReader(stdout), in.ScanOptions)
		if err != nil {
			return PreprocessorResult{}, fmt.Errorf("hashbuild: scanning preprocessed output (arch=%q): %w", arch, err)
		}

		h.AppendTagged("cpp", scanRes.Canonical)
		h.AppendTagged("cppstderr", stderr)

		includes = append(includes, scanRes)
	}

	return PreprocessorResult{ObjectKey: h.Finalize(), Includes: includes}, nil
}

// DirectModeAllowed centralizes the predicate spec.md §9's open question
// asks to be centralized: every guard under which direct mode must be
// silently disabled mid-invocation, collected into one place instead of
// scattered per call site.
func DirectModeAllowed(hasAbsoluteUnrelocatablePaths, sawWpEscape, includeHashingFailed bool) bool {
	if sawWpEscape {
		return false
	}
	if includeHashingFailed {
		return false
	}
	if hasAbsoluteUnrelocatablePaths {
		return false
	}
	return true
}
