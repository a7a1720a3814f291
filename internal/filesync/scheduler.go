package filesync

import (
	"sort"
	"sync"
	"time"
)

// Scheduler runs at most one delayed task per key. Scheduling a key that
// already has a task cancels it, so only the most recently scheduled function
// for a key ever runs.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	gen     uint64
	stopped bool
	running sync.WaitGroup
}

type task struct {
	timer *time.Timer
	gen   uint64
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{tasks: make(map[string]*task)}
}

// Schedule runs fn after delay unless key is rescheduled or cancelled first.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.tasks[key]; ok {
		t.timer.Stop()
	}
	s.gen++
	t := &task{gen: s.gen}
	t.timer = time.AfterFunc(delay, func() { s.fire(key, t.gen, fn) })
	s.tasks[key] = t
}

func (s *Scheduler) fire(key string, gen uint64, fn func()) {
	s.mu.Lock()
	cur, ok := s.tasks[key]
	if s.stopped || !ok || cur.gen != gen {
		// Superseded after the timer had already fired.
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	fn()
}

// Cancel drops the task for key and reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// CancelAll drops every pending task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
}

// Pending returns the keys with a scheduled task, sorted.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stop cancels all pending tasks, waits for running ones and rejects new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	s.running.Wait()
}
