// Package runtime adapts a sandbox directory on the local filesystem into the
// project runtime the IDE writes to: filesystem primitives, process spawning,
// lifecycle and events.
package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joescharf/forge/internal/metrics"
)

// Status is the lifecycle state of the runtime.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBooting    Status = "booting"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
	StatusInstalling Status = "installing"
	StatusStarting   Status = "starting"
)

const (
	defaultBootRetries = 3
	defaultBackoffBase = 2 * time.Second
)

// Options configures a Runtime.
type Options struct {
	// Root is the sandbox directory. When empty, Boot creates a temporary
	// directory and Teardown removes it.
	Root string
	// BootRetries is how many times a failed provisioning is retried. Zero means 3.
	BootRetries int
	// BackoffBase is the delay before the first retry; each retry doubles it.
	BackoffBase time.Duration
	// InstallCommand defaults to "npm install".
	InstallCommand []string
	// DevCommand defaults to "npm run dev".
	DevCommand []string
	// Template is mounted on boot into a sandbox that has no files yet.
	Template map[string]string
	Logger   *slog.Logger
}

// Runtime is one booted sandbox. Construct it once per session and pass it to
// every component that writes to the project.
type Runtime struct {
	opts      Options
	logger    *slog.Logger
	provision func(ctx context.Context) (root string, ephemeral bool, err error)
	sleep     func(ctx context.Context, d time.Duration) error

	bootGroup singleflight.Group

	mu        sync.RWMutex
	status    Status
	root      string
	ephemeral bool
	booting   chan struct{}
	ports     map[int]string

	procMu sync.Mutex
	procs  map[string]*Process

	subs subscribers
}

// New creates an unbooted runtime.
func New(opts Options) *Runtime {
	if opts.BootRetries <= 0 {
		opts.BootRetries = defaultBootRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if len(opts.InstallCommand) == 0 {
		opts.InstallCommand = []string{"npm", "install"}
	}
	if len(opts.DevCommand) == 0 {
		opts.DevCommand = []string{"npm", "run", "dev"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runtime{
		opts:   opts,
		logger: logger,
		status: StatusIdle,
		ports:  make(map[int]string),
		procs:  make(map[string]*Process),
		sleep:  waitWithContext,
	}
	r.provision = r.provisionDir
	return r
}

// Status returns the current lifecycle state.
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Ready reports whether a boot has completed and the runtime has not been torn down.
func (r *Runtime) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root != ""
}

// Root returns the sandbox directory, or "" before boot.
func (r *Runtime) Root() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}

// Ports returns the listening ports announced by dev servers, keyed by port.
func (r *Runtime) Ports() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]string, len(r.ports))
	for p, u := range r.ports {
		out[p] = u
	}
	return out
}

func (r *Runtime) setStatus(s Status) {
	r.mu.Lock()
	changed := r.status != s
	r.status = s
	r.mu.Unlock()
	if changed {
		r.logger.Debug("runtime status", "status", s)
		r.emit(Event{Kind: EventStatus, Status: s})
	}
}

// Boot provisions the sandbox. It is idempotent: once booted it returns nil
// immediately, and concurrent callers share a single in-flight boot. A
// cancelled caller stops waiting but does not abort a boot others rely on.
func (r *Runtime) Boot(ctx context.Context) error {
	// Filesystem calls made from here on wait for this boot.
	r.mu.Lock()
	if r.root != "" {
		r.mu.Unlock()
		return nil
	}
	if r.booting == nil {
		r.booting = make(chan struct{})
	}
	done := r.booting
	r.mu.Unlock()

	ch := r.bootGroup.DoChan("boot", func() (any, error) {
		return nil, r.bootWithRetry(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		// Joined a flight that captured an older channel.
		r.finishBoot(done, "", false)
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishBoot releases waiters on done and, when root is set, publishes the
// sandbox in the same critical section. It is a no-op once done is released.
func (r *Runtime) finishBoot(done chan struct{}, root string, ephemeral bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if root != "" {
		r.root = root
		r.ephemeral = ephemeral
	}
	if r.booting == done {
		r.booting = nil
		close(done)
	}
}

func (r *Runtime) bootWithRetry(ctx context.Context) error {
	r.mu.Lock()
	if r.root != "" {
		r.mu.Unlock()
		return nil
	}
	if r.booting == nil {
		r.booting = make(chan struct{})
	}
	done := r.booting
	r.mu.Unlock()

	r.setStatus(StatusBooting)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= r.opts.BootRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt)
			r.emit(Event{Kind: EventError, Text: fmt.Sprintf("boot failed, retrying in %s", delay)})
			if err := r.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		attempts++

		root, ephemeral, err := r.provision(ctx)
		if err == nil && len(r.opts.Template) > 0 {
			err = mountIfEmpty(root, r.opts.Template)
		}
		metrics.RecordBootAttempt(err == nil)
		if err != nil {
			lastErr = err
			r.logger.Warn("runtime boot attempt failed", "attempt", attempts, "error", err)
			continue
		}

		r.finishBoot(done, root, ephemeral)
		r.setStatus(StatusReady)
		r.logger.Info("runtime booted", "root", root, "attempts", attempts)
		return nil
	}

	r.finishBoot(done, "", false)

	bootErr := &BootError{Attempts: attempts, Err: lastErr}
	r.setStatus(StatusError)
	r.emit(Event{Kind: EventError, Text: bootErr.Error()})
	return bootErr
}

// backoff returns the delay before retry n (1-based): base, 2*base, 4*base, ...
func (r *Runtime) backoff(n int) time.Duration {
	return r.opts.BackoffBase << (n - 1)
}

func (r *Runtime) provisionDir(_ context.Context) (string, bool, error) {
	if r.opts.Root == "" {
		dir, err := os.MkdirTemp("", "forge-runtime-*")
		if err != nil {
			return "", false, fmt.Errorf("create sandbox: %w", err)
		}
		return dir, true, nil
	}
	root, err := filepath.Abs(r.opts.Root)
	if err != nil {
		return "", false, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", false, fmt.Errorf("create sandbox: %w", err)
	}
	probe, err := os.CreateTemp(root, ".forge-probe-*")
	if err != nil {
		return "", false, fmt.Errorf("sandbox not writable: %w", err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return root, false, nil
}

// awaitRoot returns the sandbox root, waiting for an in-flight boot if there is one.
func (r *Runtime) awaitRoot(ctx context.Context) (string, error) {
	r.mu.RLock()
	root, wait := r.root, r.booting
	r.mu.RUnlock()
	if root != "" {
		return root, nil
	}
	if wait == nil {
		return "", ErrRuntimeUnavailable
	}
	select {
	case <-wait:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if root = r.Root(); root == "" {
		return "", ErrRuntimeUnavailable
	}
	return root, nil
}

// Teardown kills every tracked process, releases the sandbox and resets the
// runtime to idle. A sandbox created by Boot is removed from disk.
func (r *Runtime) Teardown() error {
	r.KillAll()

	r.mu.Lock()
	root, ephemeral := r.root, r.ephemeral
	r.root = ""
	r.ephemeral = false
	r.ports = make(map[int]string)
	r.mu.Unlock()

	r.setStatus(StatusIdle)

	if ephemeral && root != "" {
		if err := os.RemoveAll(root); err != nil {
			return fmt.Errorf("remove sandbox: %w", err)
		}
	}
	return nil
}

// waitWithContext sleeps for d or until ctx is done.
func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
