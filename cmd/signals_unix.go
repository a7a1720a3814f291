//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// detach puts the background server in its own session so it survives the
// terminal that started it.
func detach(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// shutdownSignals cancel foreground commands: serve, mcp, agent run, runtime dev.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// stopSignals are sent by `serve stop`: term first, kill after the grace period.
func stopSignals() (term, kill syscall.Signal) {
	return syscall.SIGTERM, syscall.SIGKILL
}
