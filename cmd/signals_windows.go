//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

func detach(_ *exec.Cmd) {}

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// stopSignals kills on both attempts; the daemon package cannot deliver SIGTERM here.
func stopSignals() (term, kill syscall.Signal) {
	return syscall.SIGKILL, syscall.SIGKILL
}
