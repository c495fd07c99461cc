package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccache-core/ccache/pkg/config"
	"github.com/ccache-core/ccache/pkg/execx"
	"github.com/ccache-core/ccache/pkg/orchestrator"
	"github.com/ccache-core/ccache/pkg/stats"
	"github.com/ccache-core/ccache/pkg/store"
)

const fakePreprocessedSource = "int main(void) { return 0; }\n"

func newFixture(t *testing.T) (*orchestrator.Orchestrator, *config.Config, string) {
	t.Helper()

	cacheDir := t.TempDir()
	cwd := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(cwd, "hello.c"), []byte(fakePreprocessedSource), 0o644))

	cfg := &config.Config{
		CacheDir:      cacheDir,
		CompilerCheck: "none",
		CPPExtension:  "i",
		DirectMode:    false,
		HashDir:       true,
		RunSecondCPP:  true,
	}

	st := store.New(cacheDir)
	o := orchestrator.New(cfg, st, nil)

	o.FindCompiler = func(name, pathEnv, selfPath string) (string, error) {
		return "/usr/bin/" + name, nil
	}

	return o, cfg, cwd
}

// stubRun returns a ProcessRunner that always succeeds: preprocessing
// yields fakePreprocessedSource, and the final compile step writes a
// non-empty object file to the path given via "-o".
func stubRun() orchestrator.ProcessRunner {
	return func(ctx context.Context, path string, argv []string, env []string, dir string) (orchestrator.RunResult, error) {
		for _, flag := range argv {
			if flag == "-E" {
				return orchestrator.RunResult{Stdout: []byte(fakePreprocessedSource), ExitCode: 0}, nil
			}
		}
		for i, a := range argv {
			if a == "-o" && i+1 < len(argv) {
				if err := os.WriteFile(argv[i+1], []byte("\x7fELFfakeobject"), 0o644); err != nil {
					return orchestrator.RunResult{}, err
				}
				break
			}
		}
		return orchestrator.RunResult{ExitCode: 0}, nil
	}
}

func TestHandle_MissThenPreprocessorHit(t *testing.T) {
	o, _, cwd := newFixture(t)
	o.Run = stubRun()

	outputPath := filepath.Join(cwd, "hello.o")
	inv := orchestrator.Invocation{
		Args: []string{"cc", "-c", "hello.c", "-o", outputPath},
		CWD:  cwd,
	}

	pending := stats.New()
	outcome, err := o.Handle(context.Background(), inv, pending)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.KindMissStored, outcome.Kind)
	assert.Equal(t, int64(1), pending.Get(stats.Miss))

	data, rerr := os.ReadFile(outputPath)
	require.NoError(t, rerr)
	assert.NotEmpty(t, data)

	require.NoError(t, os.Remove(outputPath))

	pending2 := stats.New()
	outcome2, err2 := o.Handle(context.Background(), inv, pending2)
	require.NoError(t, err2)
	assert.Equal(t, orchestrator.KindHitPreprocessor, outcome2.Kind)
	assert.Equal(t, int64(1), pending2.Get(stats.HitPreprocessor))

	data2, rerr := os.ReadFile(outputPath)
	require.NoError(t, rerr)
	assert.Equal(t, data, data2)
}

func TestHandle_DirectModeHit(t *testing.T) {
	o, cfg, cwd := newFixture(t)
	cfg.DirectMode = true
	o.Run = stubRun()

	outputPath := filepath.Join(cwd, "hello.o")
	inv := orchestrator.Invocation{
		Args: []string{"cc", "-c", "hello.c", "-o", outputPath},
		CWD:  cwd,
	}

	pending := stats.New()
	outcome, err := o.Handle(context.Background(), inv, pending)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.KindMissStored, outcome.Kind)

	require.NoError(t, os.Remove(outputPath))

	pending2 := stats.New()
	outcome2, err2 := o.Handle(context.Background(), inv, pending2)
	require.NoError(t, err2)
	assert.Equal(t, orchestrator.KindHitDirect, outcome2.Kind)
	assert.Equal(t, int64(1), pending2.Get(stats.HitDirect))
}

func TestHandle_LinkInvocationFallsBack(t *testing.T) {
	o, _, cwd := newFixture(t)

	var fellBackTo string
	var fellBackArgv []string
	o.FallbackExec = func(path string, argv []string, env []string) error {
		fellBackTo = path
		fellBackArgv = argv
		return nil
	}

	inv := orchestrator.Invocation{
		// no -c/-S/-dc: classified as "called for link" (spec.md S4).
		Args: []string{"cc", "hello.c", "-o", "a.out"},
		CWD:  cwd,
	}

	pending := stats.New()
	outcome, err := o.Handle(context.Background(), inv, pending)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.KindFallback, outcome.Kind)
	assert.True(t, outcome.FellBack)
	assert.Equal(t, int64(1), pending.Get(stats.ErrorCalledForLink))
	assert.Equal(t, "/usr/bin/cc", fellBackTo)
	assert.Equal(t, []string{"hello.c", "-o", "a.out"}, fellBackArgv)
}

func TestHandle_MultipleSourceFilesFallsBack(t *testing.T) {
	o, _, cwd := newFixture(t)

	require.NoError(t, os.WriteFile(filepath.Join(cwd, "other.c"), []byte(fakePreprocessedSource), 0o644))

	var fellBack bool
	o.FallbackExec = func(path string, argv []string, env []string) error {
		fellBack = true
		return nil
	}

	inv := orchestrator.Invocation{
		Args: []string{"cc", "-c", "hello.c", "other.c", "-o", "a.o"},
		CWD:  cwd,
	}

	pending := stats.New()
	outcome, err := o.Handle(context.Background(), inv, pending)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.KindFallback, outcome.Kind)
	assert.True(t, fellBack)
	assert.Equal(t, int64(1), pending.Get(stats.ErrorMultipleSourceFiles))
}

func TestHandle_CompilerNotFoundIsFatal(t *testing.T) {
	o, _, cwd := newFixture(t)
	o.FindCompiler = func(name, pathEnv, selfPath string) (string, error) {
		return "", execx.ErrCompilerNotFound
	}

	inv := orchestrator.Invocation{Args: []string{"cc", "-c", "hello.c", "-o", "a.o"}, CWD: cwd}

	pending := stats.New()
	outcome, err := o.Handle(context.Background(), inv, pending)
	require.Error(t, err)
	assert.Equal(t, orchestrator.KindFatal, outcome.Kind)
	assert.Equal(t, int64(1), pending.Get(stats.ErrorInternalError))
}
