package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_WriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "forge-serve.pid")
	pf := NewPIDFile(path)

	err := pf.WritePID(12345)
	require.NoError(t, err)

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestPIDFile_Read_InvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-number\n"), 0o644))

	pf := NewPIDFile(path)
	_, err := pf.Read()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID file content")
}

func TestPIDFile_Remove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	pf := NewPIDFile(path)

	require.NoError(t, pf.WritePID(1))
	require.NoError(t, pf.Remove())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Removing again is fine.
	assert.NoError(t, pf.Remove())
}

func TestPIDFile_IsRunning(t *testing.T) {
	tests := []struct {
		name    string
		pid     int
		write   bool
		wantPID int
		running bool
	}{
		{name: "current process", pid: os.Getpid(), write: true, wantPID: os.Getpid(), running: true},
		{name: "dead process", pid: 999999, write: true, wantPID: 999999},
		{name: "no file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))
			if tt.write {
				require.NoError(t, pf.WritePID(tt.pid))
			}
			pid, running := pf.IsRunning()
			assert.Equal(t, tt.wantPID, pid)
			assert.Equal(t, tt.running, running)
		})
	}
}

func TestPIDFile_Acquire(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))

	// Stale file from a dead process is replaced.
	require.NoError(t, pf.WritePID(999999))
	require.NoError(t, pf.Acquire(os.Getpid()))

	err := pf.Acquire(os.Getpid())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunning)
}

func TestPIDFile_Signal_NoFile(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "nonexistent.pid"))

	err := pf.Signal(syscall.Signal(0))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read PID file")
}

func TestPIDFile_Stop_NotRunning(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))
	require.NoError(t, pf.WritePID(999999))

	_, err := pf.Stop(syscall.SIGTERM, syscall.SIGKILL, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.NoFileExists(t, pf.Path)
}

func TestPIDFile_Stop_Process(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()

	pf := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))
	require.NoError(t, pf.WritePID(cmd.Process.Pid))

	pid, err := pf.Stop(syscall.SIGTERM, syscall.SIGKILL, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pid)
	assert.NoFileExists(t, pf.Path)

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}
