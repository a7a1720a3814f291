package agent

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/forge/internal/metrics"
	"github.com/joescharf/forge/internal/models"
)

// Store holds the agent state and the append-only log. It has no side
// effects beyond notifying log subscribers.
type Store struct {
	mu    sync.RWMutex
	state State
	now   func() time.Time

	logger  *slog.Logger
	subMu   sync.Mutex
	subs    map[int]func(models.LogEntry)
	nextSub int
}

// NewStore creates a store in IDLE with an empty log.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		state:  initialState(),
		now:    time.Now,
		logger: logger,
		subs:   make(map[int]func(models.LogEntry)),
	}
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Dispatch reduces a into the state. A phase change appends an info log
// naming the new phase.
func (s *Store) Dispatch(a Action) error {
	if a.At.IsZero() {
		a.At = s.now().UTC()
	}
	s.mu.Lock()
	prev := s.state
	next, err := Reduce(prev, a)
	if err != nil {
		s.mu.Unlock()
		if !errors.Is(err, ErrStaleRun) {
			s.logger.Warn("agent action rejected", "action", a.Type, "state", prev.Phase, "error", err)
		}
		return err
	}
	var entries []models.LogEntry
	if next.Phase != prev.Phase && a.Type != ActionRunStarted && a.Type != ActionReset {
		entry := s.entry(next.RunID, models.LogInfo, fmt.Sprintf("State changed to %s", next.Phase))
		next.Logs = appendLog(next.Logs, entry)
		entries = append(entries, entry)
	}
	s.state = next
	s.mu.Unlock()

	if a.Type == ActionRetryConsumed {
		metrics.RecordRetry()
	}
	s.logger.Debug("agent action", "action", a.Type, "run", a.RunID, "state", next.Phase)
	s.notify(entries)
	return nil
}

// Log appends an entry for runID. An empty runID logs outside any run. It
// returns ErrStaleRun when runID is no longer current.
func (s *Store) Log(runID string, level models.LogLevel, message string) error {
	entry := s.entry(runID, level, message)
	if err := s.Dispatch(Action{Type: ActionLogAppended, RunID: runID, Log: entry}); err != nil {
		return err
	}
	s.notify([]models.LogEntry{entry})
	return nil
}

func (s *Store) entry(runID string, level models.LogLevel, message string) models.LogEntry {
	return models.LogEntry{
		ID:        ulid.Make().String(),
		RunID:     runID,
		Level:     level,
		Message:   message,
		Timestamp: s.now().UTC(),
	}
}

// Logs returns the log history, oldest first.
func (s *Store) Logs() []models.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.LogEntry(nil), s.state.Logs...)
}

// RunLogs returns the entries logged for runID.
func (s *Store) RunLogs(runID string) []models.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LogEntry
	for _, e := range s.state.Logs {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe registers fn to receive every new log entry. fn runs on the
// dispatching goroutine and must not call back into the store.
func (s *Store) Subscribe(fn func(models.LogEntry)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(entries []models.LogEntry) {
	if len(entries) == 0 {
		return
	}
	s.subMu.Lock()
	fns := make([]func(models.LogEntry), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, e := range entries {
		for _, fn := range fns {
			fn(e)
		}
	}
}

// Progress derives step progress from the current plan.
func (s *Store) Progress() Progress {
	return s.State().Progress()
}

// CanRetry reports whether the current run has retry tokens left.
func (s *Store) CanRetry() bool {
	return s.State().CanRetry()
}

// ConsumeRetry takes one retry token for runID and logs the attempt. It
// returns false, logging an error, when the budget is exhausted.
func (s *Store) ConsumeRetry(runID string) bool {
	err := s.Dispatch(Action{Type: ActionRetryConsumed, RunID: runID})
	st := s.State()
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			_ = s.Log(runID, models.LogError, fmt.Sprintf("Max retries (%d) reached", st.MaxRetries))
		}
		return false
	}
	_ = s.Log(runID, models.LogWarning, fmt.Sprintf("Retry attempt %d/%d", st.RetryCount, st.MaxRetries))
	return true
}

// Reset clears everything except the log history.
func (s *Store) Reset() {
	_ = s.Dispatch(Action{Type: ActionReset})
}
