//go:build linux

package proc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SetGroup configures the command to run in its own process group and
// receive SIGKILL if the parent dies (Linux-only Pdeathsig).
func SetGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pgid:      0,
		Pdeathsig: unix.SIGKILL,
	}
}

// Terminate sends SIGTERM to the command's process group, giving it a chance
// to shut down cleanly.
func Terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Signal(unix.SIGTERM)
	}
	return unix.Kill(-pgid, unix.SIGTERM)
}

// KillGroup kills the entire process group of the command.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Kill()
	}
	return unix.Kill(-pgid, unix.SIGKILL)
}
