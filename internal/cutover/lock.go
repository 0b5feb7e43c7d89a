package cutover

import "sync"

// lockTable serializes cutover operations per service.
//
// Two-level locking: the outer mutex protects the map itself, each
// service has its own mutex for the actual cutover critical section.
// Different services cut over concurrently; two executions of the same
// service block each other, which is the one mandatory mutual exclusion
// in the system.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (lt *lockTable) get(service string) *sync.Mutex {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lock, exists := lt.locks[service]
	if !exists {
		lock = &sync.Mutex{}
		lt.locks[service] = lock
	}
	return lock
}

// Lock blocks until the service's cutover lock is held.
func (lt *lockTable) Lock(service string) {
	lt.get(service).Lock()
}

// TryLock attempts the lock without blocking, for fail-fast policies.
func (lt *lockTable) TryLock(service string) bool {
	return lt.get(service).TryLock()
}

// Unlock releases the service's cutover lock.
func (lt *lockTable) Unlock(service string) {
	lt.get(service).Unlock()
}
