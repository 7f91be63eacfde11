package taskmanager

import (
	"sync"
)

// KeyedLocks provides per-task mutual exclusion. Each task id gets its own
// mutex so updates to different tasks never wait on each other, while two
// updates to the same task are serialized. Entries are reference counted and
// dropped once nobody holds or waits for them.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLocks creates an empty lock table.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{
		locks: make(map[string]*keyedLock),
	}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyedLocks) Lock(key string) {
	k.mu.Lock()
	l, exists := k.locks[key]
	if !exists {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	// Acquire outside the table lock so other keys stay available.
	l.mu.Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedLocks) Unlock(key string) {
	k.mu.Lock()
	l, exists := k.locks[key]
	if !exists {
		k.mu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedLocks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
