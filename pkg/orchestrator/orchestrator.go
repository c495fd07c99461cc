// Package orchestrator implements the single-shot state machine of spec.md
// §4.J: find the compiler, classify the invocation, compute the common
// hash, attempt a direct-mode lookup, preprocess and hash on a miss,
// install from cache or store a freshly-built result, always falling back
// to the real compiler on any non-cacheable invocation.
//
// Grounded on the teacher's pkg/cache.Cache — the single glue object owning
// config/logger/store that every request flows through — generalized from
// an HTTP request handler to a one-shot CLI invocation, and on
// _examples/original_source/src/ccache.c's cc_process_args/ccache main
// (the exact state-machine step order: init, find compiler, split, common
// hash, direct lookup, preprocess, preprocessor hash, consistency check,
// install-from-cache, miss, store).
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ccache-core/ccache/pkg/args"
	"github.com/ccache-core/ccache/pkg/config"
	"github.com/ccache-core/ccache/pkg/debugdump"
	"github.com/ccache-core/ccache/pkg/digest"
	"github.com/ccache-core/ccache/pkg/execx"
	"github.com/ccache-core/ccache/pkg/hashbuild"
	"github.com/ccache-core/ccache/pkg/manifest"
	"github.com/ccache-core/ccache/pkg/scanner"
	"github.com/ccache-core/ccache/pkg/shard"
	"github.com/ccache-core/ccache/pkg/sloppy"
	"github.com/ccache-core/ccache/pkg/stats"
	"github.com/ccache-core/ccache/pkg/store"
)

const otelPackageName = "github.com/ccache-core/ccache/pkg/orchestrator"

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// RunResult is one subprocess's captured output, the shape both the
// preprocess and miss-path compile steps need.
type RunResult struct {
	Stdout, Stderr []byte
	ExitCode       int
}

// ProcessRunner abstracts spawning the real compiler so tests can supply a
// synthetic one; the default (defaultRun) shells out via pkg/execx.
type ProcessRunner func(ctx context.Context, path string, argv []string, env []string, dir string) (RunResult, error)

// Invocation describes one compiler-cache-wrapped command line.
type Invocation struct {
	// Argv0Name is the basename the tool was invoked as (symlink mode);
	// empty in prefix mode, where Args[0] is the compiler itself.
	Argv0Name string
	Args      []string // the compiler-or-prefix-stripped argument vector
	CWD       string
	Env       map[string]string
	PathEnv   string
	SelfPath  string
	OutputOverride string // test hook: force Flags.OutputFile, e.g. when Args omits -o
}

// Outcome reports how an invocation was resolved, for callers (the CLI,
// tests) that want to observe the result without parsing exit codes.
type Outcome struct {
	Kind       Kind
	Counter    stats.Field
	ObjectKey  digest.Digest
	ExitCode   int
	FellBack   bool
}

// Kind enumerates the terminal states of the state machine.
type Kind int

const (
	KindHitDirect Kind = iota
	KindHitPreprocessor
	KindMissStored
	KindFallback
	KindFatal
)

// Orchestrator wires the cache subsystems together and runs invocations
// against them, mirroring the teacher's Cache struct's role as the single
// object every request is dispatched through.
type Orchestrator struct {
	Config *config.Config
	Store  *store.Store
	Shards *shard.Manager

	Run          ProcessRunner
	FallbackExec func(path string, argv []string, env []string) error
	FindCompiler func(name, pathEnv, selfPath string) (string, error)

	Dump *debugdump.Dumper
}

// New returns an Orchestrator wired to real subprocess execution.
func New(cfg *config.Config, st *store.Store, shards *shard.Manager) *Orchestrator {
	return &Orchestrator{
		Config: cfg,
		Store:  st,
		Shards: shards,
		Run:    defaultRun,
		FallbackExec: execx.FallbackExec,
		FindCompiler: execx.FindCompiler,
		Dump:   &debugdump.Dumper{},
	}
}

func defaultRun(ctx context.Context, path string, argv []string, env []string, dir string) (RunResult, error) {
	var stdout, stderr bytes.Buffer
	res, err := execx.Run(ctx, path, argv, env, dir, &stdout, &stderr)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: res.ExitCode}, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Handle runs the full state machine for one invocation (spec.md §4.J).
// pending accumulates the statistics delta for this invocation; Handle
// flushes it exactly once before returning (spec.md §4.D "flushed exactly
// once, at process exit"). A direct or preprocessor hit, a stored miss, and
// a failed copy of a freshly stored object flush to the shard of the
// ObjectKey; every fall-back and the compiler-not-found path flush to the
// process-id shard, even when an ObjectKey had already been computed. The
// fall-back flush happens before the exec, since a successful in-place
// exec never returns to the caller.
func (o *Orchestrator) Handle(ctx context.Context, inv Invocation, pending *stats.Counters) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Handle", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	compileStart := time.Now()

	compilerName, remainder := resolveCompilerName(inv)

	compilerPath, err := o.FindCompiler(compilerName, inv.PathEnv, inv.SelfPath)
	if err != nil {
		pending.Add(stats.ErrorInternalError, 1)
		o.flush(ctx, processShardKey(), pending)
		return Outcome{Kind: KindFatal}, fmt.Errorf("orchestrator: %w", err)
	}
	span.SetAttributes(attribute.String("compiler", compilerPath))
	zerolog.Ctx(ctx).Debug().Str("compiler", compilerPath).Strs("args", remainder).Msg("orchestrator: handling invocation")

	vectors, flags, splitErr := args.Split(remainder, args.Options{
		CWD:      inv.CWD,
		BaseDir:  o.Config.BaseDir,
		IsClang:  strings.Contains(filepath.Base(compilerPath), "clang"),
		Compiler: compilerPath,
	})
	if splitErr != nil {
		return o.fallback(ctx, pending, compilerPath, remainder, inv.Env, splitErr)
	}

	if inv.OutputOverride != "" {
		flags.OutputFile = inv.OutputOverride
	}
	o.Dump.Output = flags.OutputFile
	o.Dump.Enabled = o.Config.Debug

	commonDigest, err := hashbuild.Common(hashbuild.CommonInputs{
		PreprocessedExtension: o.Config.CPPExtension,
		CompilerCheckMode:     compilerCheckMode(o.Config),
		CompilerCheckLiteral:  compilerCheckLiteral(o.Config),
		CompilerPath:          compilerPath,
		CompilerBasename:      filepath.Base(compilerPath),
		Env:                   inv.Env,
		HashCWD:               !o.Config.Sloppiness.Has(sloppy.NoHashDir) && o.Config.HashDir,
		CWD:                   inv.CWD,
		ExtraFilesToHash:      o.Config.ExtraFilesToHash,
		Vectors:               vectors,
		Sloppiness:            o.Config.Sloppiness,
	})
	if err != nil {
		return o.fallback(ctx, pending, compilerPath, remainder, inv.Env, err)
	}
	o.Dump.Logf("common hash: %s", commonDigest)

	var manifestKey digest.Digest
	var manifestPath string
	directModeActive := o.Config.DirectMode

	if directModeActive {
		inputContent, rerr := os.ReadFile(filepath.Join(inv.CWD, flags.InputFile))
		if rerr != nil {
			directModeActive = false
		} else {
			manifestKey, err = hashbuild.Direct(commonDigest, hashbuild.DirectInputs{
				Common:       hashbuild.CommonInputs{Sloppiness: o.Config.Sloppiness},
				Env:          inv.Env,
				InputPath:    flags.InputFile,
				InputContent: inputContent,
			})
			if err != nil {
				directModeActive = false
			}
		}
	}

	if directModeActive {
		manifestPath = o.Store.Path(manifestKey, ".manifest")

		objectKey, hit, gerr := manifest.Get(ctx, manifestPath, statFunc, digestFunc, acceptEntry(o.Config, flags.PCHIn || flags.PCHOut))
		if gerr == nil && hit {
			outcome, ierr := o.installFromCache(ctx, objectKey, flags, pending)
			if ierr == nil {
				outcome.Kind = KindHitDirect
				pending.Add(stats.HitDirect, 1)
				o.flush(ctx, objectKey, pending)
				return outcome, nil
			}
		}
	}

	preArgv := preprocessArgv(vectors, flags, o.Config)
	preRes, err := o.Run(ctx, compilerPath, preArgv, envSlice(inv.Env), inv.CWD)
	if err != nil || preRes.ExitCode != 0 {
		pending.Add(stats.ErrorPreprocessorError, 1)
		return o.fallback(ctx, pending, compilerPath, remainder, inv.Env, fmt.Errorf("preprocess failed"))
	}
	o.Dump.WriteInputBinary(debugdump.StagePreprocessor, preRes.Stdout)

	scanOpts := scanner.Options{
		CWD:          inv.CWD,
		BaseDir:      o.Config.BaseDir,
		PrimaryInput: flags.InputFile,
		CompileStart: compileStart,
		HashDir:      o.Config.HashDir,
		Sloppiness:   o.Config.Sloppiness,
	}

	preResult, err := hashbuild.Preprocessor(commonDigest, hashbuild.PreprocessorInputs{
		RunPreprocessor: func(string) ([]byte, []byte, error) { return preRes.Stdout, preRes.Stderr, nil },
		ScanOptions:     scanOpts,
	})
	includeHashingFailed := err != nil
	if includeHashingFailed {
		pending.Add(stats.ErrorInternalError, 1)
		return o.fallback(ctx, pending, compilerPath, remainder, inv.Env, err)
	}

	objectKey := preResult.ObjectKey

	if directModeActive && manifestPath != "" {
		// Consistency check (spec.md §4.J step 8): a manifest that would
		// have been updated with a different ObjectKey than what the
		// preprocessor-mode path just derived indicates a stale
		// base-directory assumption; drop it so the next put starts clean.
		if existingKey, hit, _ := manifest.Get(ctx, manifestPath, statFunc, digestFunc, acceptEntry(o.Config, flags.PCHIn || flags.PCHOut)); hit && existingKey != objectKey {
			os.Remove(manifestPath)
		}
	}

	if !o.Config.Recache {
		if outcome, ierr := o.installFromCache(ctx, objectKey, flags, pending); ierr == nil {
			outcome.Kind = KindHitPreprocessor
			pending.Add(stats.HitPreprocessor, 1)
			if directModeActive {
				o.putManifest(ctx, manifestPath, objectKey, preResult)
			}
			o.flush(ctx, objectKey, pending)
			return outcome, nil
		}
	}

	return o.miss(ctx, compilerPath, remainder, inv, vectors, flags, objectKey, manifestPath, directModeActive, preRes, preResult, pending)
}

func resolveCompilerName(inv Invocation) (name string, remainder []string) {
	if inv.Argv0Name != "" {
		return inv.Argv0Name, inv.Args
	}
	if len(inv.Args) == 0 {
		return "", nil
	}
	return inv.Args[0], inv.Args[1:]
}

func (o *Orchestrator) fallback(ctx context.Context, pending *stats.Counters, compilerPath string, origArgs []string, env map[string]string, cause error) (Outcome, error) {
	log := zerolog.Ctx(ctx)

	reason := classifiedReason(cause)
	pending.Add(counterForReason(reason), 1)

	log.Debug().Err(cause).Str("compiler", compilerPath).Msg("orchestrator: falling back to real compiler")

	filtered := stripInternalFlags(origArgs)

	if o.Config.PrefixCommand != "" {
		parts := strings.Fields(o.Config.PrefixCommand)
		filtered = append(append([]string{}, parts[1:]...), append([]string{compilerPath}, filtered...)...)
		compilerPath = parts[0]
	}

	// Stats must hit disk before the exec below: a successful in-place exec
	// replaces this process and never returns here.
	o.flush(ctx, processShardKey(), pending)

	if err := o.FallbackExec(compilerPath, filtered, envSlice(env)); err != nil {
		return Outcome{Kind: KindFallback, FellBack: true}, fmt.Errorf("orchestrator: fallback exec: %w", err)
	}
	return Outcome{Kind: KindFallback, FellBack: true}, nil
}

// flush persists pending to the on-disk counters of the shard owning key,
// via Shards (spec.md §4.D). Shards is nil in tests that don't exercise
// statistics persistence; flush is then a no-op.
func (o *Orchestrator) flush(ctx context.Context, key digest.Digest, pending *stats.Counters) {
	if o.Shards == nil {
		return
	}
	if err := o.Shards.Flush(ctx, key, pending); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("orchestrator: failed to flush statistics")
	}
}

// processShardKey picks the shard a statistics delta is flushed to when no
// ObjectKey was ever determined for this invocation (an early failure),
// by hashing the process id modulo the shard count (spec.md §4.D), packed
// into the leading bytes a Store.ShardDir reads its hex digits from.
func processShardKey() digest.Digest {
	nibbles := store.ShardDepth
	numShards := 1
	for i := 0; i < nibbles; i++ {
		numShards *= 16
	}

	idx := shard.ForProcess(numShards)

	var key digest.Digest
	for b := (nibbles + 1) / 2; b > 0; b-- {
		key[b-1] = byte(idx & 0xff)
		idx >>= 8
	}
	return key
}

func stripInternalFlags(argv []string) []string {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		if strings.HasPrefix(a, "--ccache-") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func classifiedReason(err error) args.Reason {
	var ce *args.ClassifiedError
	if ok := asClassifiedError(err, &ce); ok {
		return ce.Reason
	}
	return args.ReasonNone
}

func asClassifiedError(err error, target **args.ClassifiedError) bool {
	ce, ok := err.(*args.ClassifiedError)
	if ok {
		*target = ce
	}
	return ok
}

func counterForReason(r args.Reason) stats.Field {
	switch r {
	case args.ReasonCalledForLink:
		return stats.ErrorCalledForLink
	case args.ReasonCalledForPreprocessing:
		return stats.ErrorCalledForPreprocessing
	case args.ReasonMultipleSourceFiles:
		return stats.ErrorMultipleSourceFiles
	case args.ReasonUnsupportedOption:
		return stats.ErrorUnsupportedOption
	case args.ReasonUnsupportedSourceLanguage:
		return stats.ErrorUnsupportedSourceLanguage
	case args.ReasonAutoconfTest:
		return stats.ErrorAutoconfTest
	case args.ReasonBadCompilerArguments:
		return stats.ErrorBadCompilerArguments
	case args.ReasonBadOutputFile:
		return stats.ErrorBadOutputFile
	case args.ReasonNoInputFile:
		return stats.ErrorNoInputFile
	case args.ReasonOutputToStdout:
		return stats.ErrorOutputToStdout
	default:
		return stats.ErrorInternalError
	}
}

func preprocessArgv(v *args.Vectors, f *args.Flags, cfg *config.Config) []string {
	argv := append([]string{}, v.Common...)
	argv = append(argv, v.Cpp...)
	if cfg.KeepCommentsCPP {
		argv = append(argv, "-C")
	}
	argv = append(argv, "-E", f.InputFile)
	return argv
}

func compilerCheckMode(cfg *config.Config) hashbuild.CompilerCheckMode {
	mode, _ := cfg.CompilerCheckMode()
	return mode
}

func compilerCheckLiteral(cfg *config.Config) string {
	_, lit := cfg.CompilerCheckMode()
	return lit
}

// statFunc adapts os.Lstat to manifest.StatFunc.
func statFunc(path string) (size uint64, mtime, ctime int64, err error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, 0, 0, err
	}
	return uint64(info.Size()), info.ModTime().UnixNano(), changeTimeOf(info), nil
}

func digestFunc(path string) (digest.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.Sum(data), nil
}

// acceptEntry builds the manifest.Acceptor for one lookup. pch marks a
// precompiled-header compilation (flags.PCHIn or flags.PCHOut): spec.md
// §4.G requires rejecting a Result whose include-file mtime has changed
// under PCH compilation even if its digest still matches, since a
// recompiled .gch/.pch can hash identically while still being the wrong
// build for GCC/Clang's own PCH validity check (which keys off mtime, not
// content) — digestMatches alone is not a sufficient accept condition here.
func acceptEntry(cfg *config.Config, pch bool) manifest.Acceptor {
	return func(entry manifest.IncludeEntry, size uint64, mtime, ctime int64, digestMatches bool) bool {
		if pch && mtime != entry.Mtime {
			return false
		}
		if cfg.Sloppiness.Has(sloppy.FileStatMatches) {
			return size == entry.Size && mtime == entry.Mtime
		}
		return digestMatches
	}
}

// installFromCache restores a cached result (spec.md §4.J step 9): it
// copies the cached .o to the output path, copies the cached .d to the
// dependency target when both exist, and replays a non-empty cached
// .stderr. A missing or empty .o is reported as store.ErrNotFound and
// leaves the other siblings in place; a failed .o copy deletes the whole
// family. The .gcno, .su, .dia and .dwo siblings are not copied.
func (o *Orchestrator) installFromCache(ctx context.Context, objectKey digest.Digest, flags *args.Flags, pending *stats.Counters) (Outcome, error) {
	if !o.Store.Has(objectKey, ".o") {
		return Outcome{}, store.ErrNotFound
	}

	if err := o.Store.Copy(ctx, objectKey, ".o", flags.OutputFile, o.Config.HardLink); err != nil {
		_, _ = o.Store.DeleteFamily(objectKey, allSiblingExtensions)
		return Outcome{}, err
	}

	if flags.DependencyTarget != "" && o.Store.Has(objectKey, ".d") {
		_ = o.Store.Copy(ctx, objectKey, ".d", flags.DependencyTarget, false)
	}

	if o.Store.Has(objectKey, ".stderr") {
		replayStderr(o.Store, objectKey)
	}

	now := time.Now()
	_ = os.Chtimes(flags.OutputFile, now, now)

	return Outcome{ObjectKey: objectKey, ExitCode: 0}, nil
}

var allSiblingExtensions = []string{".o", ".stderr", ".d", ".gcno", ".su", ".dia", ".dwo"}

func replayStderr(st *store.Store, key digest.Digest) {
	path := st.Path(key, ".stderr")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_, _ = io.Copy(os.Stderr, bytes.NewReader(data))
}

func (o *Orchestrator) putManifest(ctx context.Context, manifestPath string, objectKey digest.Digest, preResult hashbuild.PreprocessorResult) {
	if manifestPath == "" || len(preResult.Includes) == 0 {
		return
	}

	var entries []manifest.IncludeEntry
	for _, scanRes := range preResult.Includes {
		for i, p := range scanRes.IncludePaths {
			info, err := os.Lstat(p)
			if err != nil {
				continue
			}
			entries = append(entries, manifest.IncludeEntry{
				Path:   p,
				Digest: scanRes.Includes[i],
				Size:   uint64(info.Size()),
				Mtime:  info.ModTime().UnixNano(),
				Ctime:  changeTimeOf(info),
			})
		}
	}

	if err := manifest.Put(ctx, manifestPath, objectKey, entries); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("path", manifestPath).Msg("orchestrator: manifest put failed")
	}
}

// miss runs the real compiler to produce the object file, stores every
// artifact, and updates the manifest (spec.md §4.J steps 10-11).
func (o *Orchestrator) miss(
	ctx context.Context,
	compilerPath string,
	origArgs []string,
	inv Invocation,
	vectors *args.Vectors,
	flags *args.Flags,
	objectKey digest.Digest,
	manifestPath string,
	directModeActive bool,
	preRes RunResult,
	preResult hashbuild.PreprocessorResult,
	pending *stats.Counters,
) (Outcome, error) {
	tmpDir := o.Config.TemporaryDir
	if tmpDir == "" {
		tmpDir = filepath.Join(o.Config.CacheDir, "tmp")
	}
	_ = os.MkdirAll(tmpDir, 0o700)

	var compileArgv []string
	var sourcePath string

	if o.Config.RunSecondCPP {
		sourcePath = filepath.Join(inv.CWD, flags.InputFile)
		compileArgv = append(append([]string{}, vectors.Common...), vectors.Cpp...)
	} else {
		tmp, err := os.CreateTemp(tmpDir, "preprocessed-*."+o.Config.CPPExtension)
		if err != nil {
			pending.Add(stats.ErrorInternalError, 1)
			return o.fallback(ctx, pending, compilerPath, origArgs, inv.Env, err)
		}
		_, _ = tmp.Write(preRes.Stdout)
		tmp.Close()
		sourcePath = tmp.Name()
		compileArgv = append([]string{}, vectors.Common...)
	}
	compileArgv = append(compileArgv, vectors.CompilerOnly...)
	if flags.ProducingObject {
		compileArgv = append(compileArgv, "-c")
	}
	if flags.AssemblyOnly {
		compileArgv = append(compileArgv, "-S")
	}

	objTmp := filepath.Join(tmpDir, objectKey.String()+".o.tmp")
	compileArgv = append(compileArgv, sourcePath, "-o", objTmp)

	res, err := o.Run(ctx, compilerPath, compileArgv, envSlice(inv.Env), inv.CWD)
	if err != nil {
		pending.Add(stats.ErrorCompileFailed, 1)
		return o.fallback(ctx, pending, compilerPath, origArgs, inv.Env, err)
	}

	info, statErr := os.Stat(objTmp)
	if res.ExitCode != 0 || len(res.Stdout) != 0 || statErr != nil || info.Size() == 0 {
		os.Remove(objTmp)
		_, _ = io.Copy(os.Stderr, bytes.NewReader(res.Stderr))
		pending.Add(stats.ErrorCompileFailed, 1)
		return o.fallback(ctx, pending, compilerPath, origArgs, inv.Env, fmt.Errorf("compile failed"))
	}
	defer os.Remove(objTmp)

	n, err := o.Store.InstallFile(ctx, objectKey, ".o", objTmp)
	if err != nil {
		pending.Add(stats.ErrorInternalError, 1)
		return o.fallback(ctx, pending, compilerPath, origArgs, inv.Env, err)
	}

	if _, err := o.Store.Install(ctx, objectKey, ".stderr", bytes.NewReader(res.Stderr)); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("orchestrator: failed to install stderr")
	}

	if err := o.Store.Copy(ctx, objectKey, ".o", flags.OutputFile, o.Config.HardLink); err != nil {
		pending.Add(stats.ErrorInternalError, 1)
		o.flush(ctx, objectKey, pending)
		return Outcome{}, err
	}
	_, _ = io.Copy(os.Stderr, bytes.NewReader(res.Stderr))

	pending.Add(stats.Miss, 1)
	pending.Add(stats.FilesInShard, 2)
	pending.Add(stats.KibibytesInShard, (n+int64(len(res.Stderr)))/1024)

	if directModeActive {
		o.putManifest(ctx, manifestPath, objectKey, preResult)
	}

	o.flush(ctx, objectKey, pending)
	return Outcome{Kind: KindMissStored, ObjectKey: objectKey, ExitCode: 0}, nil
}
