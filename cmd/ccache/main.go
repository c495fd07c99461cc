// Command ccache-core is the compiler result cache entrypoint. It is meant
// to be invoked either directly with a compiler as its first argument
// (prefix mode), as a symlink named after the compiler it wraps (symlink
// mode), or with no compiler at all, in which case it exposes the
// administrative subcommands of spec.md §6 (cmd.New()).
//
// A compiler-invocation argument vector can contain arbitrary compiler
// flags (-O2, -Wall, --my-weird-plugin-flag...) that urfave/cli/v3 must
// never be asked to parse, so the dispatch between the two surfaces happens
// here, before any *cli.Command exists.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/ccache-core/ccache/cmd"
	"github.com/ccache-core/ccache/pkg/config"
	"github.com/ccache-core/ccache/pkg/lock"
	"github.com/ccache-core/ccache/pkg/orchestrator"
	"github.com/ccache-core/ccache/pkg/shard"
	"github.com/ccache-core/ccache/pkg/stats"
	"github.com/ccache-core/ccache/pkg/store"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	ctx := context.Background()

	if invocation, ok := compilerInvocation(os.Args); ok {
		return runCompilerInvocation(ctx, invocation)
	}

	if err := cmd.New().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ccache-core: %s\n", err)
		return 1
	}
	return 0
}

// compilerInvocation decides whether argv is a compiler invocation
// (prefix or symlink mode) rather than an administrative one, and if so
// builds the Invocation the orchestrator expects.
//
// Symlink mode is unambiguous: the binary's own basename is anything other
// than the administrative command's name. Prefix mode is detected the same
// way ccache's own driver does — a bare administrative flag always begins
// with "-", while a compiler name never does, so the first remaining
// argument decides it.
func compilerInvocation(argv []string) (orchestrator.Invocation, bool) {
	self := filepath.Base(argv[0])

	var inv orchestrator.Invocation
	switch {
	case self != "ccache" && self != "ccache-core":
		inv.Argv0Name = self
		inv.Args = argv[1:]

	case len(argv) >= 2 && argv[1] != "" && argv[1][0] != '-':
		inv.Args = argv[1:]

	default:
		return orchestrator.Invocation{}, false
	}

	selfPath, err := os.Executable()
	if err != nil {
		selfPath = argv[0]
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	inv.CWD = cwd
	inv.SelfPath = selfPath
	inv.PathEnv = os.Getenv("PATH")
	inv.Env = environMap(os.Environ())

	return inv, true
}

func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := splitEnv(kv)
		if ok {
			m[key] = value
		}
	}
	return m
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// runCompilerInvocation wires a Config, Store, shard.Manager and
// Orchestrator from the environment and runs one compilation through the
// state machine of spec.md §4.J, falling back to the real compiler or
// exiting with the orchestrator-reported status.
func runCompilerInvocation(ctx context.Context, inv orchestrator.Invocation) int {
	cfg := &config.Config{}

	// A throwaway *cli.Command lets config.Flags/config.FromCommand
	// populate cfg purely from the environment (no command-line flags
	// reach here: Args is the compiler's own argument vector).
	probe := &cli.Command{Flags: config.Flags(cfg)}
	if err := probe.Run(ctx, []string{"ccache-core"}); err != nil {
		fmt.Fprintf(os.Stderr, "ccache-core: %s\n", err)
		return 1
	}
	if err := config.FromCommand(cfg, probe); err != nil {
		fmt.Fprintf(os.Stderr, "ccache-core: %s\n", err)
		return 1
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "ccache-core: creating cache directory: %s\n", err)
		return 1
	}

	st := store.New(cfg.CacheDir)
	locker := lock.New(lock.DefaultConfig())
	shards := shard.NewManager(st, locker, cfg.ShardEvictConfig())

	o := orchestrator.New(cfg, st, shards)

	outcome, err := o.Handle(ctx, inv, stats.New())
	if err != nil && outcome.Kind == orchestrator.KindFatal {
		fmt.Fprintf(os.Stderr, "ccache-core: %s\n", err)
		return 1
	}

	return outcome.ExitCode
}
