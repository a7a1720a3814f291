// Package filesync reconciles editor content with the runtime filesystem.
// Editor writes are debounced per path and flushed only after a three-way
// conflict check against the content agreed at the last sync.
package filesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/joescharf/forge/internal/metrics"
	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/runtime"
)

// DefaultDebounce is the delay between the last editor write to a path and its flush.
const DefaultDebounce = 500 * time.Millisecond

// Runtime is the slice of the runtime adapter the engine writes through.
type Runtime interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	Mkdir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
}

// Buffers receives content the engine pushes back into open editor tabs.
type Buffers interface {
	SetContent(path, content string) bool
	Rename(oldPath, newPath string) bool
	Close(path string) bool
}

// Tree is refreshed after structural changes.
type Tree interface {
	Refresh(ctx context.Context) error
}

// Options configures an Engine.
type Options struct {
	Debounce time.Duration
	// AutoSave flushes scheduled writes when their debounce timer fires.
	// Without it changes stay pending until FlushPendingChanges.
	AutoSave bool
	Buffers  Buffers
	Tree     Tree
	Logger   *slog.Logger
	Now      func() time.Time
}

type pendingEntry struct {
	change models.PendingChange
	seq    uint64
}

// Engine is the single writer of project files. Every write it performs goes
// through hashing and metadata bookkeeping, which is what conflict detection
// relies on.
type Engine struct {
	rt     Runtime
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	sched  *Scheduler
	locks  *pathLocks

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	autoSave  bool
	seq       uint64
	pending   map[string]*pendingEntry
	snapshots map[string]string
	meta      map[string]models.FileMetadata
	conflicts map[string]models.FileConflict
	inflight  int
	lastErr   error
	lastSync  time.Time
	closed    bool
}

// New creates an engine writing to rt.
func New(rt Runtime, opts Options) *Engine {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		rt:        rt,
		opts:      opts,
		logger:    opts.Logger,
		now:       opts.Now,
		sched:     NewScheduler(),
		locks:     newPathLocks(),
		ctx:       ctx,
		cancel:    cancel,
		autoSave:  opts.AutoSave,
		pending:   make(map[string]*pendingEntry),
		snapshots: make(map[string]string),
		meta:      make(map[string]models.FileMetadata),
		conflicts: make(map[string]models.FileConflict),
	}
}

// ScheduleWrite records an editor change for p and (re)starts its debounce
// timer. Only the latest content scheduled for a path is ever flushed.
func (e *Engine) ScheduleWrite(p, content string) error {
	p, err := cleanFilePath(p)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	kind := models.ChangeModify
	if _, ok := e.meta[p]; !ok {
		kind = models.ChangeCreate
	}
	e.seq++
	seq := e.seq
	e.pending[p] = &pendingEntry{
		seq: seq,
		change: models.PendingChange{
			Path:        p,
			Kind:        kind,
			Timestamp:   e.now(),
			Origin:      models.OriginEditor,
			Content:     content,
			ContentHash: ContentHash(content),
		},
	}
	autoSave := e.autoSave
	e.mu.Unlock()

	if autoSave {
		e.sched.Schedule(p, e.opts.Debounce, func() { e.flushScheduled(p, seq) })
	}
	return nil
}

func (e *Engine) flushScheduled(p string, seq uint64) {
	unlock := e.locks.lock(p)
	defer unlock()

	e.mu.Lock()
	entry, ok := e.pending[p]
	e.mu.Unlock()
	if !ok || entry.seq != seq {
		return
	}
	if err := e.flushEntry(e.ctx, entry); err != nil {
		e.logger.Error("flush failed", "path", p, "error", err)
	}
}

// flushEntry writes a pending change unless a conflict holds it. The caller
// holds the path lock.
func (e *Engine) flushEntry(ctx context.Context, entry *pendingEntry) error {
	c := entry.change
	conflict, err := e.checkConflict(ctx, c.Path, c.Content, c.Timestamp)
	if err != nil {
		e.markFailed(err)
		return err
	}
	if conflict {
		e.mu.Lock()
		if cur, ok := e.pending[c.Path]; ok && cur.seq == entry.seq {
			delete(e.pending, c.Path)
		}
		e.mu.Unlock()
		return nil
	}
	if err := e.commit(ctx, c.Path, c.Content); err != nil {
		return err
	}
	e.mu.Lock()
	if cur, ok := e.pending[c.Path]; ok && cur.seq == entry.seq {
		delete(e.pending, c.Path)
	}
	e.mu.Unlock()
	return nil
}

// CheckConflict reports whether writing local to p would overwrite an
// independent runtime change. A conflict exists only when a last-synced
// snapshot exists and both the runtime content and local differ from it.
// A detected conflict is recorded and any pending change for p is dropped.
func (e *Engine) CheckConflict(ctx context.Context, p, local string) (bool, error) {
	p, err := cleanFilePath(p)
	if err != nil {
		return false, err
	}
	unlock := e.locks.lock(p)
	defer unlock()
	conflict, err := e.checkConflict(ctx, p, local, e.now())
	if conflict {
		e.mu.Lock()
		delete(e.pending, p)
		e.mu.Unlock()
	}
	return conflict, err
}

func (e *Engine) checkConflict(ctx context.Context, p, local string, localAt time.Time) (bool, error) {
	e.mu.Lock()
	snapshot, tracked := e.snapshots[p]
	e.mu.Unlock()
	if !tracked || local == snapshot {
		return false, nil
	}

	remote, err := e.rt.ReadFile(ctx, p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read remote %s: %w", p, err)
	}
	if remote == snapshot {
		return false, nil
	}

	now := e.now()
	e.mu.Lock()
	e.conflicts[p] = models.FileConflict{
		Path:            p,
		LocalContent:    local,
		RemoteContent:   remote,
		LocalTimestamp:  localAt,
		RemoteTimestamp: now,
		DetectedAt:      now,
	}
	e.mu.Unlock()
	metrics.RecordConflict()
	e.logger.Warn("sync conflict detected", "path", p)
	return true, nil
}

// commit is the only path by which content reaches the runtime. The caller
// holds the path lock.
func (e *Engine) commit(ctx context.Context, p, content string) error {
	e.mu.Lock()
	e.inflight++
	e.mu.Unlock()

	err := e.rt.WriteFile(ctx, p, content)
	if errors.Is(err, fs.ErrNotExist) {
		if dir := path.Dir(p); dir != "." {
			if err = e.rt.Mkdir(ctx, dir); err == nil {
				err = e.rt.WriteFile(ctx, p, content)
			}
		}
	}

	now := e.now()
	e.mu.Lock()
	e.inflight--
	if err != nil {
		e.lastErr = err
		e.mu.Unlock()
		metrics.RecordFlush(false)
		return fmt.Errorf("write %s: %w", p, err)
	}
	e.lastErr = nil
	e.snapshots[p] = content
	// The runtime now agrees with what was written; an older conflict is stale.
	delete(e.conflicts, p)
	e.meta[p] = models.FileMetadata{
		Path:           p,
		ContentHash:    ContentHash(content),
		LastModifiedAt: now,
		LastSyncedAt:   now,
	}
	e.lastSync = now
	e.mu.Unlock()
	metrics.RecordFlush(true)
	e.logger.Debug("synced", "path", p)
	return nil
}

func (e *Engine) markFailed(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	metrics.RecordFlush(false)
}

// Write immediately writes content to p on behalf of origin, superseding any
// pending editor change for p. A write held by a conflict returns a
// *ConflictError.
func (e *Engine) Write(ctx context.Context, p, content string, origin models.ChangeOrigin) error {
	p, err := cleanFilePath(p)
	if err != nil {
		return err
	}
	if e.isClosed() {
		return ErrClosed
	}
	unlock := e.locks.lock(p)
	defer unlock()

	e.sched.Cancel(p)
	e.mu.Lock()
	_, superseded := e.pending[p]
	delete(e.pending, p)
	_, existed := e.meta[p]
	e.mu.Unlock()
	if superseded {
		e.logger.Warn("pending editor change superseded", "path", p, "origin", origin)
	}

	conflict, err := e.checkConflict(ctx, p, content, e.now())
	if err != nil {
		e.markFailed(err)
		return err
	}
	if conflict {
		return &ConflictError{Path: p}
	}
	if err := e.commit(ctx, p, content); err != nil {
		return err
	}
	if origin != models.OriginEditor && e.opts.Buffers != nil {
		e.opts.Buffers.SetContent(p, content)
	}
	if !existed {
		e.refreshTree(ctx)
	}
	return nil
}

// ResolveConflict settles the conflict recorded for p. keep_local writes the
// local content, use_remote pushes the remote content into the editor buffer
// and re-syncs it, merge writes the three-way merge of both sides. The
// conflict stays recorded if the corrective write fails or the merge has
// overlapping edits.
func (e *Engine) ResolveConflict(ctx context.Context, p string, resolution models.ConflictResolution) error {
	if !resolution.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}
	p, err := cleanFilePath(p)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(p)
	defer unlock()

	e.mu.Lock()
	c, ok := e.conflicts[p]
	base := e.snapshots[p]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConflict, p)
	}

	var content string
	switch resolution {
	case models.ResolveKeepLocal:
		content = c.LocalContent
	case models.ResolveUseRemote:
		content = c.RemoteContent
	case models.ResolveMerge:
		merged, err := Merge(base, c.LocalContent, c.RemoteContent)
		if err != nil {
			return fmt.Errorf("merge %s: %w", p, err)
		}
		content = merged
	}
	return e.settle(ctx, p, content, resolution)
}

// ResolveWithContent settles the conflict for p with caller-supplied content,
// typically the result of a manual merge.
func (e *Engine) ResolveWithContent(ctx context.Context, p, content string) error {
	p, err := cleanFilePath(p)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(p)
	defer unlock()

	e.mu.Lock()
	_, ok := e.conflicts[p]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConflict, p)
	}
	return e.settle(ctx, p, content, models.ResolveMerge)
}

func (e *Engine) settle(ctx context.Context, p, content string, resolution models.ConflictResolution) error {
	if err := e.commit(ctx, p, content); err != nil {
		return err
	}
	if resolution != models.ResolveKeepLocal && e.opts.Buffers != nil {
		e.opts.Buffers.SetContent(p, content)
	}
	e.mu.Lock()
	delete(e.conflicts, p)
	e.mu.Unlock()
	metrics.RecordResolution(string(resolution))
	e.logger.Info("conflict resolved", "path", p, "resolution", resolution)
	return nil
}

// CreateFile writes a new file, creating parent directories, and refreshes the tree.
func (e *Engine) CreateFile(ctx context.Context, p, content string) error {
	p, err := cleanFilePath(p)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(p)
	defer unlock()

	if dir := path.Dir(p); dir != "." {
		if err := e.rt.Mkdir(ctx, dir); err != nil {
			return fmt.Errorf("create parent of %s: %w", p, err)
		}
	}
	if err := e.commit(ctx, p, content); err != nil {
		return err
	}
	e.refreshTree(ctx)
	return nil
}

// DeleteFile removes p from the runtime and forgets everything tracked for it.
// Deleting a missing path is not an error.
func (e *Engine) DeleteFile(ctx context.Context, p string) error {
	p, err := cleanFilePath(p)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(p)
	defer unlock()

	e.sched.Cancel(p)
	if err := e.rt.Remove(ctx, p); err != nil {
		e.markFailed(err)
		return fmt.Errorf("delete %s: %w", p, err)
	}
	e.forget(p)
	if e.opts.Buffers != nil {
		e.opts.Buffers.Close(p)
	}
	e.refreshTree(ctx)
	return nil
}

// RenameFile moves oldPath to newPath by reading the old file, writing the new
// one and deleting the old one. A failure after the write leaves both present.
func (e *Engine) RenameFile(ctx context.Context, oldPath, newPath string) error {
	oldPath, err := cleanFilePath(oldPath)
	if err != nil {
		return err
	}
	newPath, err = cleanFilePath(newPath)
	if err != nil {
		return err
	}
	if oldPath == newPath {
		return nil
	}
	unlock := e.locks.lockPair(oldPath, newPath)
	defer unlock()

	content, err := e.rt.ReadFile(ctx, oldPath)
	if err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	if dir := path.Dir(newPath); dir != "." {
		if err := e.rt.Mkdir(ctx, dir); err != nil {
			return fmt.Errorf("create parent of %s: %w", newPath, err)
		}
	}
	if err := e.commit(ctx, newPath, content); err != nil {
		return err
	}
	if err := e.rt.Remove(ctx, oldPath); err != nil {
		e.markFailed(err)
		return fmt.Errorf("remove %s after rename: %w", oldPath, err)
	}

	e.sched.Cancel(oldPath)
	e.mu.Lock()
	if old, ok := e.meta[oldPath]; ok {
		m := e.meta[newPath]
		m.LastModifiedAt = old.LastModifiedAt
		e.meta[newPath] = m
	}
	moved, hasPending := e.pending[oldPath]
	if hasPending {
		moved.change.Path = newPath
		e.pending[newPath] = moved
	}
	autoSave := e.autoSave
	e.mu.Unlock()
	e.forget(oldPath)
	if hasPending && autoSave {
		seq := moved.seq
		e.sched.Schedule(newPath, e.opts.Debounce, func() { e.flushScheduled(newPath, seq) })
	}

	if e.opts.Buffers != nil {
		e.opts.Buffers.Rename(oldPath, newPath)
	}
	e.refreshTree(ctx)
	return nil
}

func (e *Engine) forget(p string) {
	e.mu.Lock()
	delete(e.pending, p)
	delete(e.snapshots, p)
	delete(e.meta, p)
	delete(e.conflicts, p)
	e.mu.Unlock()
}

// FlushPendingChanges flushes every pending change in path order. It stops at
// the first failure and leaves the remaining changes pending. A change held
// by a conflict is not a failure.
func (e *Engine) FlushPendingChanges(ctx context.Context) error {
	e.mu.Lock()
	paths := make([]string, 0, len(e.pending))
	for p := range e.pending {
		paths = append(paths, p)
	}
	e.mu.Unlock()
	sort.Strings(paths)

	for _, p := range paths {
		if err := e.flushPath(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) flushPath(ctx context.Context, p string) error {
	unlock := e.locks.lock(p)
	defer unlock()

	e.mu.Lock()
	entry, ok := e.pending[p]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	e.sched.Cancel(p)
	return e.flushEntry(ctx, entry)
}

// Pull adopts the runtime's content for p: the snapshot, metadata, editor
// buffer and tree follow it. Paths with a pending change or a recorded
// conflict are left alone; the next flush checks them.
func (e *Engine) Pull(ctx context.Context, p string) error {
	p, err := cleanFilePath(p)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(p)
	defer unlock()

	e.mu.Lock()
	_, hasPending := e.pending[p]
	_, hasConflict := e.conflicts[p]
	snapshot, tracked := e.snapshots[p]
	e.mu.Unlock()
	if hasPending || hasConflict {
		return nil
	}

	remote, err := e.rt.ReadFile(ctx, p)
	if errors.Is(err, fs.ErrNotExist) {
		if tracked {
			e.forget(p)
			if e.opts.Buffers != nil {
				e.opts.Buffers.Close(p)
			}
			e.refreshTree(ctx)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("pull %s: %w", p, err)
	}
	if tracked && remote == snapshot {
		return nil
	}

	now := e.now()
	e.mu.Lock()
	e.snapshots[p] = remote
	e.meta[p] = models.FileMetadata{
		Path:           p,
		ContentHash:    ContentHash(remote),
		LastModifiedAt: now,
		LastSyncedAt:   now,
	}
	e.lastSync = now
	e.mu.Unlock()

	if e.opts.Buffers != nil {
		e.opts.Buffers.SetContent(p, remote)
	}
	e.refreshTree(ctx)
	e.logger.Debug("pulled runtime change", "path", p)
	return nil
}

func (e *Engine) refreshTree(ctx context.Context) {
	if e.opts.Tree == nil {
		return
	}
	if err := e.opts.Tree.Refresh(ctx); err != nil {
		e.logger.Warn("file tree refresh failed", "error", err)
	}
}

// Status derives the sync status: conflict over error over syncing over idle.
// Error persists until the next successful write.
func (e *Engine) Status() models.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case len(e.conflicts) > 0:
		return models.SyncStatusConflict
	case e.lastErr != nil:
		return models.SyncStatusError
	case e.inflight > 0:
		return models.SyncStatusSyncing
	default:
		return models.SyncStatusIdle
	}
}

// LastError returns the error behind an error status, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Conflicts returns the recorded conflicts sorted by path.
func (e *Engine) Conflicts() []models.FileConflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.FileConflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Conflict returns the conflict recorded for p.
func (e *Engine) Conflict(p string) (models.FileConflict, bool) {
	p, err := cleanFilePath(p)
	if err != nil {
		return models.FileConflict{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conflicts[p]
	return c, ok
}

// PendingChanges returns the pending changes sorted by path.
func (e *Engine) PendingChanges() []models.PendingChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.PendingChange, 0, len(e.pending))
	for _, entry := range e.pending {
		out = append(out, entry.change)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Metadata returns the sync metadata for p.
func (e *Engine) Metadata(p string) (models.FileMetadata, bool) {
	p, err := cleanFilePath(p)
	if err != nil {
		return models.FileMetadata{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.meta[p]
	return m, ok
}

// Tracked reports whether p has been synced at least once.
func (e *Engine) Tracked(p string) bool {
	_, ok := e.Metadata(p)
	return ok
}

// LastSyncTime returns the time of the last successful write or pull.
func (e *Engine) LastSyncTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// SetAutoSave toggles flushing on debounce. Turning it on schedules every
// pending change.
func (e *Engine) SetAutoSave(on bool) {
	e.mu.Lock()
	e.autoSave = on
	var entries []pendingEntry
	if on {
		for _, entry := range e.pending {
			entries = append(entries, *entry)
		}
	}
	e.mu.Unlock()

	if !on {
		e.sched.CancelAll()
		return
	}
	for _, entry := range entries {
		p, seq := entry.change.Path, entry.seq
		e.sched.Schedule(p, e.opts.Debounce, func() { e.flushScheduled(p, seq) })
	}
}

// AutoSave reports whether scheduled writes flush on their own.
func (e *Engine) AutoSave() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoSave
}

// Reset cancels all timers and forgets every pending change, snapshot,
// metadata entry and conflict.
func (e *Engine) Reset() {
	e.sched.CancelAll()
	e.mu.Lock()
	e.pending = make(map[string]*pendingEntry)
	e.snapshots = make(map[string]string)
	e.meta = make(map[string]models.FileMetadata)
	e.conflicts = make(map[string]models.FileConflict)
	e.lastErr = nil
	e.lastSync = time.Time{}
	e.mu.Unlock()
}

// Close stops the debounce timers and waits for running flushes. Pending
// changes that were not flushed are discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.sched.Stop()
	e.cancel()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func cleanFilePath(p string) (string, error) {
	clean, err := runtime.CleanPath(p)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return "", fmt.Errorf("%w: empty file path", runtime.ErrInvalidPath)
	}
	return clean, nil
}
