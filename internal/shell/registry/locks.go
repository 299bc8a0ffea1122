package registry

import "sync"

// =============================================================================
// Keyed Mutexes
// =============================================================================

// keyGuard hands out one mutex per key so that operations on the same
// deployment group or extension instance serialize while unrelated keys
// proceed in parallel. Entries are never evicted; the key space is bounded by
// the number of groups and instances.
type keyGuard struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// newKeyGuard creates an empty guard.
func newKeyGuard() *keyGuard {
	return &keyGuard{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key and returns its unlock function.
func (g *keyGuard) lock(key string) func() {
	g.mu.Lock()
	m, ok := g.locks[key]
	if !ok {
		m = &sync.Mutex{}
		g.locks[key] = m
	}
	g.mu.Unlock()

	m.Lock()
	return m.Unlock
}
