//go:build unix

package execx

import "syscall"

// fallbackExec uses syscall.Exec to replace the current process image in
// place, exactly mirroring execute.c's non-Windows x_exit(execv(...)) fall-
// back path: no child process, no waitpid, the ccache-core process simply
// becomes the real compiler.
func fallbackExec(path string, args []string, env []string) error {
	argv := append([]string{path}, args...)
	return syscall.Exec(path, argv, env)
}
