package flow

import "sync"

// contactLocks serializes flow turns per contact. Two rapid messages from the
// same contact would otherwise race on the read-modify-write of the contact's
// flow state row; the single-flow-per-contact invariant is enforced here
// rather than assumed. Entries are retained for the contact population's
// lifetime, which is bounded and small relative to message volume.
type contactLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newContactLocks() *contactLocks {
	return &contactLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the contact's turn lock and returns the unlock function.
func (cl *contactLocks) Lock(contactID string) func() {
	cl.mu.Lock()
	lock, ok := cl.locks[contactID]
	if !ok {
		lock = &sync.Mutex{}
		cl.locks[contactID] = lock
	}
	cl.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
