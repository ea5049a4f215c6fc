//go:build windows

package transport

import "os/exec"

// terminateProcess kills the child; Windows has no SIGTERM equivalent for
// arbitrary console processes.
func terminateProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
