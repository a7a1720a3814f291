package runtime

import (
	"sync"
	"time"
)

// EventKind identifies a runtime event.
type EventKind string

const (
	EventStatus      EventKind = "status"
	EventServerReady EventKind = "server-ready"
	EventPort        EventKind = "port"
	EventOutput      EventKind = "output"
	EventError       EventKind = "error"
)

// Event is delivered to every subscriber, in emission order.
type Event struct {
	Kind      EventKind `json:"kind"`
	Status    Status    `json:"status,omitempty"`
	Port      int       `json:"port,omitempty"`
	URL       string    `json:"url,omitempty"`
	Open      bool      `json:"open,omitempty"`
	Text      string    `json:"text,omitempty"`
	ProcessID string    `json:"processId,omitempty"`
	At        time.Time `json:"at"`
}

type subscribers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(Event)
}

// Subscribe registers fn for all future events and returns a function that removes it.
// fn runs on the emitting goroutine and must not block.
func (r *Runtime) Subscribe(fn func(Event)) (cancel func()) {
	r.subs.mu.Lock()
	defer r.subs.mu.Unlock()
	if r.subs.fns == nil {
		r.subs.fns = make(map[int]func(Event))
	}
	id := r.subs.next
	r.subs.next++
	r.subs.fns[id] = fn
	return func() {
		r.subs.mu.Lock()
		delete(r.subs.fns, id)
		r.subs.mu.Unlock()
	}
}

func (r *Runtime) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.subs.mu.RLock()
	fns := make([]func(Event), 0, len(r.subs.fns))
	for _, fn := range r.subs.fns {
		fns = append(fns, fn)
	}
	r.subs.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
