// Package execx runs the real compiler and preprocessor subprocesses the
// orchestrator needs, and locates the real compiler when the core was
// invoked as a compiler-named symlink.
//
// Grounded on _examples/original_source/execute.c's find_executable_in_path
// (walk $PATH, skip a candidate that resolves back to ourselves) and its
// execute() (fork+dup2+execv capturing stdout/stderr to files), translated
// into os/exec's Cmd with file-backed Stdout/Stderr instead of raw fds.
package execx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrCompilerNotFound is returned when no usable compiler can be located on
// PATH, the "fall-back fatal" case of spec.md §7.
var ErrCompilerNotFound = errors.New("execx: no usable compiler found on PATH")

// FindCompiler walks the colon-separated pathEnv looking for the first
// regular, executable entry named name whose realpath does not resolve to
// selfPath — so a "gcc" symlink pointing at the ccache-core binary itself
// never picks itself back up (spec.md §4.J step 2).
func FindCompiler(name, pathEnv, selfPath string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}

	selfReal, _ := filepath.EvalSymlinks(selfPath)

	for _, dir := range strings.Split(pathEnv, string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}

		candidate := filepath.Join(dir, name)

		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() || !isExecutable(info) {
			continue
		}

		real, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			real = candidate
		}

		if selfReal != "" && real == selfReal {
			continue
		}

		return candidate, nil
	}

	return "", fmt.Errorf("%w: %s", ErrCompilerNotFound, name)
}

func isExecutable(info os.FileInfo) bool {
	return info.Mode()&0o111 != 0
}

// Result carries a subprocess's exit status. A non-nil error from Run
// always means the process could not be started at all; a
// started-but-failing process reports its failure via ExitCode/Signaled,
// not the error.
type Result struct {
	ExitCode int
	Signaled bool
}

// Run executes path+args with env, writing stdout/stderr to the given
// writers, and waits for completion (spec.md §4.J steps 6/10: the
// preprocessor and miss-path compiler invocations).
func Run(ctx context.Context, path string, args []string, env []string, dir string, stdout, stderr io.Writer) (Result, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return Result{ExitCode: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitCode(), Signaled: exitErr.ExitCode() == -1}, nil
	}

	return Result{}, fmt.Errorf("execx: running %q: %w", path, err)
}

// FallbackExec replaces the current process with path+args, the "always
// ends with exec-ing the real compiler" contract of spec.md §4.J's failure
// semantics. On platforms without in-place exec it runs path as a child and
// exits with its status instead.
func FallbackExec(path string, args []string, env []string) error {
	return fallbackExec(path, args, env)
}
