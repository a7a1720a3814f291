package filesync

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ignoredDirs are never watched.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce coalesces bursts of events per path. Zero means DefaultDebounce.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher pulls changes made directly in the sandbox directory (by build
// tools, dev servers or the user's shell) into the engine.
type Watcher struct {
	engine *Engine
	root   string
	fsw    *fsnotify.Watcher
	sched  *Scheduler
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher watches root, the sandbox directory engine writes to.
func NewWatcher(engine *Engine, root string, opts WatcherOptions) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{
		engine: engine,
		root:   root,
		fsw:    fsw,
		sched:  NewScheduler(),
		delay:  opts.Debounce,
		logger: opts.Logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start adds root and its subdirectories and begins handling events in the
// background. It is a no-op when already running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addTree(w.root); err != nil {
		return err
	}
	go w.run(ctx)
	return nil
}

// Stop ends event handling and waits for in-flight pulls.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.fsw.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.sched.Stop()
	return w.fsw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	rel, ok := w.relative(ev.Name)
	if !ok {
		return
	}
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("watch new directory", "path", rel, "error", err)
			}
			return
		}
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
	default:
		return
	}
	w.sched.Schedule(rel, w.delay, func() {
		if err := w.engine.Pull(ctx, rel); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("pull external change", "path", rel, "error", err)
		}
	})
}

// relative maps an event path to a project path, rejecting ignored and
// temporary files.
func (w *Watcher) relative(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if ignoredDirs[part] {
			return "", false
		}
	}
	if isTempFile(filepath.Base(name)) {
		return "", false
	}
	return rel, true
}

// isTempFile matches the temp files atomic writes rename into place.
func isTempFile(base string) bool {
	return strings.HasPrefix(base, ".") && strings.Contains(base, ".tmp-")
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}
