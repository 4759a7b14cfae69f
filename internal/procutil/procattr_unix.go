//go:build unix && !linux

package procutil

import (
	"os/exec"
	"syscall"
)

// SetProcGroup configures the command to run in its own process group.
// This allows us to kill all child processes together.
func SetProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// KillProcessGroup kills the entire process group for the given PID.
func KillProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// TerminateProcessGroup sends SIGTERM to the entire process group for graceful shutdown.
func TerminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
