package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/oklog/ulid/v2"

	"github.com/joescharf/forge/internal/metrics"
)

// ptyDrainTimeout bounds how long a finished terminal process waits for its
// remaining output before the terminal is closed.
const ptyDrainTimeout = 2 * time.Second

// TerminalSize is the size of a pseudo-terminal in character cells.
type TerminalSize struct {
	Cols uint16
	Rows uint16
}

// SpawnOptions configures a spawned process.
type SpawnOptions struct {
	// Dir is project-relative; empty means the project root.
	Dir string
	// Env entries are appended to the current environment.
	Env []string
	// Terminal runs the process under a pseudo-terminal of this size.
	Terminal *TerminalSize
	// OnOutput receives stdout and stderr line by line.
	OnOutput func(line string)
}

// Process is a command running inside the runtime.
type Process struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Args      []string  `json:"args"`
	StartedAt time.Time `json:"startedAt"`

	cmd   *exec.Cmd
	tty   *os.File
	stdin io.WriteCloser

	inputMu sync.Mutex
	done    chan struct{}
	exit    int
	err     error
}

// Done is closed once the process has exited and its output has been delivered.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits and returns its exit code. A process
// killed by a signal reports -1.
func (p *Process) Wait() (int, error) {
	<-p.done
	return p.exit, p.err
}

// Kill terminates the process and everything it started.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process == nil {
		return nil
	}
	return killProcess(p.cmd)
}

// Input writes data to the process's standard input.
func (p *Process) Input(data string) error {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()
	if p.stdin == nil {
		return errors.New("process has no input")
	}
	if _, err := io.WriteString(p.stdin, data); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// Resize changes the terminal size of a process started with a terminal.
func (p *Process) Resize(cols, rows uint16) error {
	if p.tty == nil {
		return ErrNoTerminal
	}
	return pty.Setsize(p.tty, &pty.Winsize{Rows: rows, Cols: cols})
}

// Spawn starts command inside the sandbox and tracks it until it exits.
// The process outlives ctx; stop it with Kill, KillAll or Teardown.
func (r *Runtime) Spawn(ctx context.Context, command string, args []string, opts SpawnOptions) (*Process, error) {
	root, err := r.awaitRoot(ctx)
	if err != nil {
		return nil, err
	}
	dir := root
	if opts.Dir != "" {
		rel, err := CleanPath(opts.Dir)
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(root, filepath.FromSlash(rel))
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), opts.Env...)

	p := &Process{
		ID:        ulid.Make().String(),
		Command:   command,
		Args:      args,
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	onLine := func(line string) {
		if opts.OnOutput != nil {
			opts.OnOutput(line)
		}
		r.emit(Event{Kind: EventOutput, Text: line, ProcessID: p.ID})
	}

	if opts.Terminal != nil {
		tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Terminal.Rows, Cols: opts.Terminal.Cols})
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", command, err)
		}
		p.tty = tty
		p.stdin = tty
		r.track(p)
		outputDone := scanLines(tty, onLine)
		go func() {
			waitErr := cmd.Wait()
			select {
			case <-outputDone:
			case <-time.After(ptyDrainTimeout):
			}
			_ = tty.Close()
			r.finish(p, waitErr)
		}()
		return p, nil
	}

	setProcessGroup(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	p.stdin = stdin
	r.track(p)
	outputDone := scanLines(pr, onLine)
	go func() {
		waitErr := cmd.Wait()
		_ = pw.Close()
		<-outputDone
		r.finish(p, waitErr)
	}()
	return p, nil
}

// Exec runs a command to completion and returns its exit code.
func (r *Runtime) Exec(ctx context.Context, command string, args []string, onOutput func(string)) (int, error) {
	p, err := r.Spawn(ctx, command, args, SpawnOptions{OnOutput: onOutput})
	if err != nil {
		return -1, err
	}
	return waitOrKill(ctx, p)
}

// Processes returns the currently tracked processes.
func (r *Runtime) Processes() []*Process {
	r.procMu.Lock()
	defer r.procMu.Unlock()
	out := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	return out
}

// KillAll kills every tracked process.
func (r *Runtime) KillAll() {
	for _, p := range r.Processes() {
		if err := p.Kill(); err != nil {
			r.logger.Warn("kill process", "id", p.ID, "command", p.Command, "error", err)
		}
	}
}

func (r *Runtime) track(p *Process) {
	metrics.RecordSpawn()
	r.procMu.Lock()
	r.procs[p.ID] = p
	r.procMu.Unlock()
	r.logger.Debug("process started", "id", p.ID, "command", p.Command, "args", p.Args)
}

func (r *Runtime) finish(p *Process, waitErr error) {
	p.exit = 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			p.exit = exitErr.ExitCode()
		} else {
			p.exit = -1
			p.err = waitErr
		}
	}
	r.procMu.Lock()
	delete(r.procs, p.ID)
	r.procMu.Unlock()
	r.logger.Debug("process exited", "id", p.ID, "command", p.Command, "exit", p.exit)
	close(p.done)
}

func waitOrKill(ctx context.Context, p *Process) (int, error) {
	select {
	case <-p.Done():
		return p.Wait()
	case <-ctx.Done():
		_ = p.Kill()
		<-p.Done()
		return -1, ctx.Err()
	}
}

// scanLines delivers r line by line to fn and closes the returned channel at EOF.
func scanLines(r io.Reader, fn func(string)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			fn(strings.TrimRight(scanner.Text(), "\r"))
		}
		// Drain what the scanner gave up on (overlong line) so the writer never blocks.
		// A terminal reports EIO once the child side closes, which ends the copy too.
		_, _ = io.Copy(io.Discard, r)
	}()
	return done
}
