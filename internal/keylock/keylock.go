// Package keylock serializes work per key, such as one entity touched by
// both a local writer and inbound reconciliation.
package keylock

import "sync"

type lockRef struct {
	mu      sync.Mutex
	waiters int
}

// Locker hands out one mutex per key. Idle keys are released, so the
// map only holds keys that are locked or awaited.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockRef
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*lockRef)}
}

// Lock blocks until key is free and returns the function that frees it.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	ref, ok := l.locks[key]
	if !ok {
		ref = &lockRef{}
		l.locks[key] = ref
	}
	ref.waiters++
	l.mu.Unlock()

	ref.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ref.mu.Unlock()
			l.mu.Lock()
			ref.waiters--
			if ref.waiters == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// Key joins an entity type and id into a lock key.
func Key(entityType, id string) string {
	return entityType + "/" + id
}
