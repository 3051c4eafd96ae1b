//go:build windows

package proc

import "os/exec"

// SetGroup is a no-op on Windows. Job Objects could be used for full process
// tree management but are deferred to a future enhancement.
func SetGroup(cmd *exec.Cmd) {}

// Terminate kills the process directly; Windows has no SIGTERM equivalent
// for console-less children.
func Terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// KillGroup kills the process directly on Windows.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
