//go:build !windows

package runtime

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so Kill reaches its children.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcess kills the child's process group. Terminal processes lead their
// own session, so their group id is their pid as well.
func killProcess(cmd *exec.Cmd) error {
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
