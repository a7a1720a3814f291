package runtime

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
)

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)
	urlPattern  = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]):(\d{2,5})\S*`)
)

// InstallResult is the outcome of InstallDependencies.
type InstallResult struct {
	Success  bool `json:"success"`
	ExitCode int  `json:"exitCode"`
}

// InstallDependencies runs the install command and streams its output to
// onOutput line by line. Status moves to installing, then ready or error.
func (r *Runtime) InstallDependencies(ctx context.Context, onOutput func(string)) (InstallResult, error) {
	if _, err := r.awaitRoot(ctx); err != nil {
		return InstallResult{}, err
	}
	r.setStatus(StatusInstalling)

	argv := r.opts.InstallCommand
	p, err := r.Spawn(ctx, argv[0], argv[1:], SpawnOptions{OnOutput: onOutput})
	if err != nil {
		r.setStatus(StatusError)
		r.emit(Event{Kind: EventError, Text: err.Error()})
		return InstallResult{ExitCode: -1}, err
	}

	code, err := waitOrKill(ctx, p)
	if err != nil {
		r.setStatus(StatusError)
		return InstallResult{ExitCode: code}, err
	}
	res := InstallResult{Success: code == 0, ExitCode: code}
	if res.Success {
		r.setStatus(StatusReady)
	} else {
		r.setStatus(StatusError)
		r.emit(Event{Kind: EventError, Text: fmt.Sprintf("install failed with exit code %d", code)})
	}
	return res, nil
}

// DevServer controls a running dev server.
type DevServer struct {
	proc *Process
}

// ID returns the tracked process id.
func (d *DevServer) ID() string { return d.proc.ID }

// Kill stops the dev server.
func (d *DevServer) Kill() error { return d.proc.Kill() }

// Resize changes the dev server's terminal size.
func (d *DevServer) Resize(cols, rows uint16) error { return d.proc.Resize(cols, rows) }

// Input writes to the dev server's terminal.
func (d *DevServer) Input(data string) error { return d.proc.Input(data) }

// Done is closed when the dev server exits.
func (d *DevServer) Done() <-chan struct{} { return d.proc.Done() }

// StartDevServer launches the dev command under a terminal. The preview URL is
// not returned: a server-ready event is emitted whenever the process announces
// a listening port.
func (r *Runtime) StartDevServer(ctx context.Context, onOutput func(string)) (*DevServer, error) {
	if _, err := r.awaitRoot(ctx); err != nil {
		return nil, err
	}
	r.setStatus(StatusStarting)

	var seenMu sync.Mutex
	seen := make(map[int]bool)
	argv := r.opts.DevCommand
	p, err := r.Spawn(ctx, argv[0], argv[1:], SpawnOptions{
		Terminal: &TerminalSize{Cols: 80, Rows: 24},
		OnOutput: func(line string) {
			if onOutput != nil {
				onOutput(line)
			}
			port, url, ok := detectListeningURL(line)
			if !ok {
				return
			}
			seenMu.Lock()
			fresh := !seen[port]
			seen[port] = true
			seenMu.Unlock()
			if fresh {
				r.announcePort(port, url)
			}
		},
	})
	if err != nil {
		r.setStatus(StatusError)
		r.emit(Event{Kind: EventError, Text: err.Error()})
		return nil, err
	}
	r.setStatus(StatusReady)

	go func() {
		<-p.Done()
		seenMu.Lock()
		defer seenMu.Unlock()
		for port := range seen {
			r.closePort(port)
		}
	}()
	return &DevServer{proc: p}, nil
}

func (r *Runtime) announcePort(port int, url string) {
	r.mu.Lock()
	r.ports[port] = url
	r.mu.Unlock()
	r.logger.Info("server ready", "port", port, "url", url)
	r.emit(Event{Kind: EventPort, Port: port, URL: url, Open: true})
	r.emit(Event{Kind: EventServerReady, Port: port, URL: url})
}

func (r *Runtime) closePort(port int) {
	r.mu.Lock()
	url, ok := r.ports[port]
	delete(r.ports, port)
	r.mu.Unlock()
	if ok {
		r.emit(Event{Kind: EventPort, Port: port, URL: url, Open: false})
	}
}

// detectListeningURL finds a local listening URL in a line of server output.
func detectListeningURL(line string) (int, string, bool) {
	m := urlPattern.FindStringSubmatch(ansiPattern.ReplaceAllString(line, ""))
	if m == nil {
		return 0, "", false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port <= 0 || port > 65535 {
		return 0, "", false
	}
	return port, m[0], true
}
