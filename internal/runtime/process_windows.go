//go:build windows

package runtime

import "os/exec"

// setProcessGroup is a no-op on Windows.
func setProcessGroup(_ *exec.Cmd) {}

// killProcess kills the child process.
func killProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
