//go:build !windows

package renderhost

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// setExtraFiles attaches the channel-endpoint files to the command and
// returns their descriptor numbers as strings for the argument list.
// On Unix, extra files start at FD 3 (after stdin=0, stdout=1, stderr=2).
func setExtraFiles(cmd *exec.Cmd, extraFiles []*os.File) []string {
	cmd.ExtraFiles = extraFiles
	fds := make([]string, len(extraFiles))
	for i := range extraFiles {
		fds[i] = fmt.Sprintf("%d", i+3)
	}
	return fds
}

// signalTerm asks the process to exit gracefully.
func signalTerm(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// exitStatus extracts the exit code and terminating signal, if any, from a
// Wait error.
func exitStatus(err error) (code int, signal string) {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, ""
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return exitErr.ExitCode(), ""
}
