//go:build windows

package renderhost

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// setExtraFiles has no effect on Windows; descriptor inheritance for
// arbitrary handles is not available through os/exec. Separate-process mode
// is unsupported there; use LoopbackLauncher instead. The returned numbers
// keep the bootstrap argument shape intact.
func setExtraFiles(cmd *exec.Cmd, extraFiles []*os.File) []string {
	fds := make([]string, len(extraFiles))
	for i := range extraFiles {
		fds[i] = fmt.Sprintf("%d", i+3)
	}
	return fds
}

// signalTerm falls back to Kill; Windows has no SIGTERM delivery for
// unrelated processes.
func signalTerm(p *os.Process) error {
	return p.Kill()
}

func exitStatus(err error) (code int, signal string) {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, ""
	}
	return exitErr.ExitCode(), ""
}
