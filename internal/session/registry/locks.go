package registry

import "sync"

// lockTable hands out one mutex per session id. Entries are created
// lazily and never evicted; a mutex for a closed session costs a few
// dozen bytes and keeps lock identity stable if the session id is
// reused.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for a session id, creating it on first use.
func (t *lockTable) get(sessionID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[sessionID] = l
	}
	return l
}
