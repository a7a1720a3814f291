package filesync

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type write struct {
	path    string
	content string
}

// fakeRuntime is an in-memory Runtime.
type fakeRuntime struct {
	mu      sync.Mutex
	files   map[string]string
	dirs    map[string]bool
	writes  []write
	removed []string
	failOn  map[string]error
	block   chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		files:  make(map[string]string),
		dirs:   make(map[string]bool),
		failOn: make(map[string]error),
	}
}

func (f *fakeRuntime) ReadFile(_ context.Context, p string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[p]
	if !ok {
		return "", fmt.Errorf("read %s: %w", p, fs.ErrNotExist)
	}
	return content, nil
}

func (f *fakeRuntime) WriteFile(_ context.Context, p, content string) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[p]; err != nil {
		return err
	}
	f.files[p] = content
	f.writes = append(f.writes, write{path: p, content: content})
	return nil
}

func (f *fakeRuntime) Mkdir(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[p] = true
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, p)
	f.removed = append(f.removed, p)
	return nil
}

// setRemote simulates a change made inside the runtime.
func (f *fakeRuntime) setRemote(p, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = content
}

func (f *fakeRuntime) file(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[p]
	return c, ok
}

func (f *fakeRuntime) writesTo(p string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		if w.path == p {
			out = append(out, w.content)
		}
	}
	return out
}

func (f *fakeRuntime) fail(p string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failOn, p)
		return
	}
	f.failOn[p] = err
}

// fakeBuffers records what the engine pushes to the editor.
type fakeBuffers struct {
	mu      sync.Mutex
	content map[string]string
	closed  []string
	renamed [][2]string
}

func newFakeBuffers() *fakeBuffers {
	return &fakeBuffers{content: make(map[string]string)}
}

func (b *fakeBuffers) SetContent(p, content string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.content[p] = content
	return true
}

func (b *fakeBuffers) Rename(oldPath, newPath string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renamed = append(b.renamed, [2]string{oldPath, newPath})
	return true
}

func (b *fakeBuffers) Close(p string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, p)
	return true
}

func (b *fakeBuffers) get(p string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.content[p]
	return c, ok
}

type fakeTree struct {
	mu        sync.Mutex
	refreshes int
}

func (t *fakeTree) Refresh(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshes++
	return nil
}

func (t *fakeTree) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshes
}
