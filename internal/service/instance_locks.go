package service

import "sync"

// instanceLocks serialises work per approval instance. Entries are reference
// counted and dropped once nobody holds or waits on them.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*instanceLock)}
}

// Lock blocks until the lock for id is held and returns its release func.
func (l *instanceLocks) Lock(id string) func() {
	l.mu.Lock()
	lock := l.entry(id)
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() { l.release(id, lock) }
}

// TryLock acquires the lock for id only if it is free.
func (l *instanceLocks) TryLock(id string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock := l.entry(id)
	if !lock.mu.TryLock() {
		return nil, false
	}
	lock.refs++
	return func() { l.release(id, lock) }, true
}

func (l *instanceLocks) entry(id string) *instanceLock {
	lock, ok := l.locks[id]
	if !ok {
		lock = &instanceLock{}
		l.locks[id] = lock
	}
	return lock
}

func (l *instanceLocks) release(id string, lock *instanceLock) {
	lock.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *instanceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
