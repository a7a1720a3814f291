//go:build !windows

package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineRecorder) add(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

func (l *lineRecorder) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func TestExec_ReturnsExitCodeAndOutput(t *testing.T) {
	r := bootedRuntime(t)
	var out lineRecorder

	code, err := r.Exec(context.Background(), "sh", []string{"-c", "echo hello; echo oops >&2; exit 3"}, out.add)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.ElementsMatch(t, []string{"hello", "oops"}, out.get())
	assert.Empty(t, r.Processes())
}

func TestExec_RunsInSandbox(t *testing.T) {
	r := bootedRuntime(t)
	ctx := context.Background()
	require.NoError(t, r.WriteFile(ctx, "marker.txt", "present"))

	var out lineRecorder
	code, err := r.Exec(ctx, "cat", []string{"marker.txt"}, out.add)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"present"}, out.get())
}

func TestExec_CancelKillsProcess(t *testing.T) {
	r := bootedRuntime(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := r.Exec(ctx, "sleep", []string{"10"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSpawn_Input(t *testing.T) {
	r := bootedRuntime(t)
	var out lineRecorder

	p, err := r.Spawn(context.Background(), "sh", []string{"-c", "read line; echo got $line"}, SpawnOptions{OnOutput: out.add})
	require.NoError(t, err)
	require.NoError(t, p.Input("ping\n"))

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"got ping"}, out.get())
	assert.ErrorIs(t, p.Resize(100, 40), ErrNoTerminal)
}

func TestSpawn_EmitsOutputEvents(t *testing.T) {
	r := bootedRuntime(t)
	var out lineRecorder
	cancel := r.Subscribe(func(ev Event) {
		if ev.Kind == EventOutput {
			out.add(ev.Text)
		}
	})
	defer cancel()

	code, err := r.Exec(context.Background(), "echo", []string{"streamed"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"streamed"}, out.get())
}

func TestKillAll(t *testing.T) {
	r := bootedRuntime(t)
	p, err := r.Spawn(context.Background(), "sleep", []string{"10"}, SpawnOptions{})
	require.NoError(t, err)
	require.Len(t, r.Processes(), 1)

	r.KillAll()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not killed")
	}
	assert.Empty(t, r.Processes())
}

func TestInstallDependencies(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		wantOK     bool
		wantCode   int
		wantStatus Status
	}{
		{name: "success", script: "echo added 12 packages", wantOK: true, wantCode: 0, wantStatus: StatusReady},
		{name: "failure", script: "echo ERR! missing; exit 1", wantOK: false, wantCode: 1, wantStatus: StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Options{Root: t.TempDir(), InstallCommand: []string{"sh", "-c", tt.script}})
			require.NoError(t, r.Boot(context.Background()))
			defer func() { _ = r.Teardown() }()

			var out lineRecorder
			res, err := r.InstallDependencies(context.Background(), out.add)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, res.Success)
			assert.Equal(t, tt.wantCode, res.ExitCode)
			assert.Equal(t, tt.wantStatus, r.Status())
			assert.Len(t, out.get(), 1)
		})
	}
}

func TestStartDevServer_AnnouncesPort(t *testing.T) {
	r := New(Options{
		Root:       t.TempDir(),
		DevCommand: []string{"sh", "-c", "echo '  Local:   http://localhost:5173/'; sleep 10"},
	})
	require.NoError(t, r.Boot(context.Background()))
	defer func() { _ = r.Teardown() }()

	ready := make(chan Event, 4)
	cancel := r.Subscribe(func(ev Event) {
		if ev.Kind == EventServerReady {
			ready <- ev
		}
	})
	defer cancel()

	srv, err := r.StartDevServer(context.Background(), nil)
	require.NoError(t, err)

	select {
	case ev := <-ready:
		assert.Equal(t, 5173, ev.Port)
		assert.Equal(t, "http://localhost:5173/", ev.URL)
	case <-time.After(5 * time.Second):
		t.Fatal("no server-ready event")
	}
	assert.Equal(t, map[int]string{5173: "http://localhost:5173/"}, r.Ports())
	require.NoError(t, srv.Resize(120, 40))

	require.NoError(t, srv.Kill())
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dev server not stopped")
	}
	assert.Eventually(t, func() bool { return len(r.Ports()) == 0 }, time.Second, 10*time.Millisecond)
}
