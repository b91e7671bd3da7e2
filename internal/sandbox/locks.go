package sandbox

import "sync"

// lockTable is a map of logical mutexes keyed by sandbox id. Entries are
// created lazily and dropped once the last holder releases, so a deleted
// sandbox leaves nothing behind.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the per-sandbox lock is held and returns its release
// function. Holders of different ids never contend.
func (t *lockTable) acquire(id string) (release func()) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &lockEntry{}
		t.entries[id] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, id)
		}
		t.mu.Unlock()
	}
}

// len reports the number of live entries. Test hook.
func (t *lockTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
