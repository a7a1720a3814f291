// Package daemon tracks the background `forge serve` process through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrRunning is returned by Acquire when the recorded process is still alive.
var ErrRunning = errors.New("already running")

// ErrNotRunning is returned by Stop when no live process is recorded.
var ErrNotRunning = errors.New("not running")

const stopPoll = 100 * time.Millisecond

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file, creating its directory.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file. A missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// IsRunning reports the recorded PID and whether that process is alive.
// A missing or unreadable file reports not running.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processAlive(pid)
}

// Signal sends sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	return signalProcess(pid, sig)
}

// Acquire records pid unless a live process already owns the file. A file
// left behind by a dead process is replaced.
func (p *PIDFile) Acquire(pid int) error {
	if running, ok := p.IsRunning(); ok {
		return fmt.Errorf("%w (PID %d)", ErrRunning, running)
	}
	return p.WritePID(pid)
}

// Stop sends term to the recorded process and waits up to grace for it to
// exit, then sends kill. The PID file is removed once the process is gone.
func (p *PIDFile) Stop(term, kill syscall.Signal, grace time.Duration) (int, error) {
	pid, ok := p.IsRunning()
	if !ok {
		_ = p.Remove()
		return pid, ErrNotRunning
	}
	if err := p.Signal(term); err != nil {
		return pid, fmt.Errorf("signal %d: %w", pid, err)
	}
	if !p.waitExit(grace) {
		if err := p.Signal(kill); err != nil {
			return pid, fmt.Errorf("kill %d: %w", pid, err)
		}
		p.waitExit(grace)
	}
	return pid, p.Remove()
}

func (p *PIDFile) waitExit(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if _, ok := p.IsRunning(); !ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(stopPoll)
	}
}
