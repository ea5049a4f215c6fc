//go:build !windows

package transport

import (
	"os/exec"
	"syscall"
)

// terminateProcess asks the child to exit gracefully.
func terminateProcess(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGTERM)
}
