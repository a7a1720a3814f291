package filesync

import "sync"

// pathLocks serializes work on a single path while letting different paths
// proceed concurrently. Entries are dropped once nobody holds or waits on them.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

func (l *pathLocks) lock(p string) (unlock func()) {
	l.mu.Lock()
	pl, ok := l.locks[p]
	if !ok {
		pl = &pathLock{}
		l.locks[p] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, p)
		}
		l.mu.Unlock()
	}
}

// lockPair locks two distinct paths in a fixed order.
func (l *pathLocks) lockPair(a, b string) (unlock func()) {
	if b < a {
		a, b = b, a
	}
	ua := l.lock(a)
	ub := l.lock(b)
	return func() {
		ub()
		ua()
	}
}
