package args

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Reason classifies why a command line cannot be cached, mapping directly
// to the statistics counters of spec.md §7.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonCalledForLink
	ReasonCalledForPreprocessing
	ReasonMultipleSourceFiles
	ReasonUnsupportedOption
	ReasonUnsupportedSourceLanguage
	ReasonAutoconfTest
	ReasonBadCompilerArguments
	ReasonBadOutputFile
	ReasonNoInputFile
	ReasonOutputToStdout
)

// ClassifiedError reports a non-cacheable command line; the orchestrator
// converts it into a statistics increment plus a fall-back exec (spec.md
// §4.H, §7).
type ClassifiedError struct {
	Reason Reason
	Detail string
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("args: %s: %s", e.Reason, e.Detail)
}

func (r Reason) String() string {
	switch r {
	case ReasonCalledForLink:
		return "called for link"
	case ReasonCalledForPreprocessing:
		return "called for preprocessing"
	case ReasonMultipleSourceFiles:
		return "multiple source files"
	case ReasonUnsupportedOption:
		return "unsupported option"
	case ReasonUnsupportedSourceLanguage:
		return "unsupported source language"
	case ReasonAutoconfTest:
		return "autoconf test"
	case ReasonBadCompilerArguments:
		return "bad compiler arguments"
	case ReasonBadOutputFile:
		return "bad output file"
	case ReasonNoInputFile:
		return "no input file"
	case ReasonOutputToStdout:
		return "output to stdout"
	default:
		return "none"
	}
}

// Vectors holds the three argument groups spec.md §4.H derives from one
// command line, plus the dependency-file options isolated out of cpp_args.
type Vectors struct {
	Common       []string
	Cpp          []string
	CompilerOnly []string
	Dependency   []string
}

// Flags records the per-invocation booleans and derived paths spec.md
// §4.H asks the splitter to produce alongside the three vectors.
type Flags struct {
	ProducingObject  bool // -c
	DeviceCompile    bool // -dc
	AssemblyOnly     bool // -S
	PCHIn            bool
	PCHOut           bool
	ProfileGenerate  bool
	ProfileUse       bool
	CoverageGenerate bool
	StackUsage       bool
	SplitDwarf       bool
	ClangDiagnostics bool

	DebugPrefixMapPresent bool

	InputFile        string
	OutputFile       string
	DependencyTarget string

	HasAbsoluteIncludePath bool
}

// Options configures Split's path-rewriting and compiler-identity
// behavior.
type Options struct {
	CWD      string
	BaseDir  string
	IsClang  bool
	Compiler string
}

// pathBearingPrefixes lists the path-taking options whose path is appended
// directly to the option (e.g. `-I/usr/include`, `--sysroot=/x`); the
// separate-argument forms are recognized by separatePathFlag.
var pathBearingPrefixes = []string{"-I", "-isystem", "-iquote", "-include", "--sysroot="}

// refusedSubstrings force "too hard to cache" classification wherever
// they appear in an argument (spec.md §4.H).
var refusedSubstrings = []string{"-Wp,-P", "-MJ", "-fdump-"}

// Split classifies and partitions argv (already `@file`-expanded) into
// the three hash-relevant vectors plus derived flags, per spec.md §4.H.
func Split(argv []string, opts Options) (*Vectors, *Flags, error) {
	v := &Vectors{}
	f := &Flags{}

	var sawDashC, sawDashE, sawDashS bool
	var inputs []string
	var skipNext bool

	for i := 0; i < len(argv); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		a := argv[i]

		if a == "--ccache-skip" {
			if i+1 >= len(argv) {
				return nil, nil, &ClassifiedError{Reason: ReasonBadCompilerArguments, Detail: "--ccache-skip with no following argument"}
			}
			v.Common = append(v.Common, argv[i+1])
			i++
			continue
		}

		for _, bad := range refusedSubstrings {
			if strings.Contains(a, bad) {
				return nil, nil, &ClassifiedError{Reason: ReasonUnsupportedOption, Detail: a}
			}
		}
		if strings.HasPrefix(a, "-Xarch_") {
			return nil, nil, &ClassifiedError{Reason: ReasonUnsupportedOption, Detail: a}
		}

		switch {
		case a == "-c":
			sawDashC = true
			f.ProducingObject = true
			continue
		case a == "-dc":
			f.DeviceCompile = true
			continue
		case a == "-S":
			sawDashS = true
			f.AssemblyOnly = true
			continue
		case a == "-E":
			sawDashE = true
			continue
		case a == "-x":
			// language override; passed through untouched to both passes.
			v.Common = append(v.Common, a)
			if i+1 < len(argv) {
				v.Common = append(v.Common, argv[i+1])
				i++
			}
			continue
		case strings.HasPrefix(a, "-include-pch") || a == "-fpch-preprocess":
			f.PCHIn = true
			v.Common = append(v.Common, a)
			continue
		case strings.HasPrefix(a, "-include") && strings.HasSuffix(a, ".gch"):
			f.PCHIn = true
			v.Cpp = append(v.Cpp, a)
			continue
		case a == "-emit-pch" || strings.HasPrefix(a, "-Xclang") && strings.Contains(a, "pch"):
			f.PCHOut = true
			v.Common = append(v.Common, a)
			continue
		case a == "-fprofile-generate" || strings.HasPrefix(a, "-fprofile-generate="):
			f.ProfileGenerate = true
			v.CompilerOnly = append(v.CompilerOnly, a)
			continue
		case a == "-fprofile-use" || strings.HasPrefix(a, "-fprofile-use="):
			f.ProfileUse = true
			v.CompilerOnly = append(v.CompilerOnly, a)
			continue
		case a == "--coverage" || a == "-ftest-coverage" || a == "-fprofile-arcs":
			f.CoverageGenerate = true
			v.CompilerOnly = append(v.CompilerOnly, a)
			continue
		case a == "-fstack-usage":
			f.StackUsage = true
			v.CompilerOnly = append(v.CompilerOnly, a)
			continue
		case a == "-gsplit-dwarf":
			f.SplitDwarf = true
			v.CompilerOnly = append(v.CompilerOnly, a)
			continue
		case a == "-serialize-diagnostics":
			f.ClangDiagnostics = true
			if i+1 < len(argv) {
				i++
			}
			continue
		case strings.HasPrefix(a, "-fdebug-prefix-map=") ||
			strings.HasPrefix(a, "-ffile-prefix-map=") ||
			strings.HasPrefix(a, "-fmacro-prefix-map="):
			f.DebugPrefixMapPresent = true
			v.Common = append(v.Common, a)
			continue
		}

		if dep, consumed, isDep := classifyDependencyOption(argv, i); isDep {
			v.Dependency = append(v.Dependency, dep...)
			if len(dep) > 0 {
				f.DependencyTarget = dependencyTargetOf(dep)
			}
			i += consumed - 1
			continue
		}

		if a == "-o" {
			if i+1 >= len(argv) {
				return nil, nil, &ClassifiedError{Reason: ReasonBadOutputFile, Detail: "-o with no following argument"}
			}
			f.OutputFile = argv[i+1]
			i++
			continue
		}
		if strings.HasPrefix(a, "-o") && len(a) > 2 {
			f.OutputFile = a[2:]
			continue
		}

		if !opts.IsClang && (strings.HasPrefix(a, "-L") || strings.HasPrefix(a, "-Wl,")) {
			// Linker-only flags never affect the compile hash (spec.md §4.H).
			continue
		}

		if sep, ok := separatePathFlag(a); ok {
			if i+1 >= len(argv) {
				return nil, nil, &ClassifiedError{Reason: ReasonBadCompilerArguments, Detail: a + " with no following path"}
			}
			path := argv[i+1]
			v.Cpp = append(v.Cpp, sep, rewriteUnderBaseDir(path, opts))
			if filepath.IsAbs(path) {
				f.HasAbsoluteIncludePath = true
			}
			i++
			continue
		}

		if rewritten, isPathArg := rewritePathArg(a, opts); isPathArg {
			v.Cpp = append(v.Cpp, rewritten)
			if pathArgIsAbsolute(a) {
				f.HasAbsoluteIncludePath = true
			}
			continue
		}

		if strings.HasPrefix(a, "-") {
			v.Common = append(v.Common, a)
			continue
		}

		// A bare, non-flag argument: candidate source/object input.
		inputs = append(inputs, a)
	}

	switch {
	case sawDashE:
		return nil, nil, &ClassifiedError{Reason: ReasonCalledForPreprocessing, Detail: "-E"}
	case !sawDashC && !sawDashS && !f.DeviceCompile:
		return nil, nil, &ClassifiedError{Reason: ReasonCalledForLink, Detail: "no -c/-S/-dc"}
	}

	switch len(inputs) {
	case 0:
		return nil, nil, &ClassifiedError{Reason: ReasonNoInputFile, Detail: "no input file"}
	case 1:
		f.InputFile = inputs[0]
	default:
		return nil, nil, &ClassifiedError{Reason: ReasonMultipleSourceFiles, Detail: strings.Join(inputs, ", ")}
	}

	if f.OutputFile == "-" {
		return nil, nil, &ClassifiedError{Reason: ReasonOutputToStdout, Detail: "-o -"}
	}

	if looksLikeAutoconfTest(f.InputFile) {
		return nil, nil, &ClassifiedError{Reason: ReasonAutoconfTest, Detail: f.InputFile}
	}

	if !isSupportedSourceLanguage(f.InputFile) {
		return nil, nil, &ClassifiedError{Reason: ReasonUnsupportedSourceLanguage, Detail: f.InputFile}
	}

	return v, f, nil
}

func classifyDependencyOption(argv []string, i int) (entries []string, consumed int, isDep bool) {
	a := argv[i]
	switch {
	case a == "-MF" || a == "-MQ" || a == "-MT":
		if i+1 >= len(argv) {
			return nil, 1, true
		}
		return []string{a, argv[i+1]}, 2, true
	case strings.HasPrefix(a, "-MF") || strings.HasPrefix(a, "-MQ") || strings.HasPrefix(a, "-MT"):
		return []string{a}, 1, true
	case strings.HasPrefix(a, "-Wp,-MD,") || strings.HasPrefix(a, "-Wp,-MMD,"):
		return []string{a}, 1, true
	case a == "-MD" || a == "-MMD" || a == "-MP" || a == "-MG":
		return []string{a}, 1, true
	}
	return nil, 0, false
}

func dependencyTargetOf(dep []string) string {
	for i, d := range dep {
		if (d == "-MT" || d == "-MQ") && i+1 < len(dep) {
			return dep[i+1]
		}
	}
	return ""
}

// separatePathFlag reports whether a is a path-bearing flag given in its
// separate-argument form (e.g. `-I`, `-isystem`, `-iquote`, `-include`),
// as opposed to attached directly to the path (`-I/usr/include`).
func separatePathFlag(a string) (string, bool) {
	switch a {
	case "-I", "-isystem", "-iquote", "-include":
		return a, true
	}
	return "", false
}

func rewritePathArg(a string, opts Options) (string, bool) {
	for _, prefix := range pathBearingPrefixes {
		if a == prefix {
			continue
		}
		if strings.HasPrefix(a, prefix) && len(a) > len(prefix) {
			path := a[len(prefix):]
			rewritten := rewriteUnderBaseDir(path, opts)
			return prefix + rewritten, true
		}
	}
	return a, false
}

func pathArgIsAbsolute(a string) bool {
	for _, prefix := range pathBearingPrefixes {
		if strings.HasPrefix(a, prefix) && len(a) > len(prefix) {
			return filepath.IsAbs(a[len(prefix):])
		}
	}
	return false
}

func rewriteUnderBaseDir(path string, opts Options) string {
	if opts.BaseDir == "" || opts.CWD == "" || !strings.HasPrefix(path, opts.BaseDir) {
		return path
	}
	rel, err := filepath.Rel(opts.CWD, path)
	if err != nil {
		return path
	}
	return rel
}

func looksLikeAutoconfTest(input string) bool {
	base := filepath.Base(input)
	return base == "conftest.c" || base == "conftest.cpp" || base == "conftest.cc"
}

var supportedExtensions = map[string]bool{
	".c": true, ".i": true,
	".cc": true, ".cpp": true, ".cxx": true, ".c++": true, ".ii": true,
	".m": true, ".mi": true,
	".mm": true, ".mii": true,
	".s": true, ".S": true,
	".cu": true, ".cui": true,
}

func isSupportedSourceLanguage(input string) bool {
	return supportedExtensions[filepath.Ext(input)]
}
