// Package keylock provides per-key mutual exclusion.
//
// A Locker hands out one independent lock per key. Holders of different keys
// never contend; holders of the same key are serialized. Entries are
// reference counted and dropped once no goroutine holds or waits for them,
// so the map does not grow with the number of keys ever seen.
package keylock

import (
	"context"
	"sync"
)

// Locker is a set of mutexes indexed by key. The zero value is ready to use.
type Locker[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

type entry struct {
	// sem has capacity one; a successful send acquires the lock.
	sem  chan struct{}
	refs int
}

// New returns an empty Locker.
func New[K comparable]() *Locker[K] {
	return &Locker[K]{}
}

// Lock blocks until the lock for key is held or ctx is done. On success it
// returns a function that releases the lock; calling it more than once is a
// no-op.
func (l *Locker[K]) Lock(ctx context.Context, key K) (func(), error) {
	e := l.acquireEntry(key)

	select {
	case e.sem <- struct{}{}:
		return l.releaser(key, e), nil
	case <-ctx.Done():
		l.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free.
func (l *Locker[K]) TryLock(key K) (func(), bool) {
	e := l.acquireEntry(key)

	select {
	case e.sem <- struct{}{}:
		return l.releaser(key, e), true
	default:
		l.releaseEntry(key, e)
		return nil, false
	}
}

// Held reports whether some goroutine currently holds the lock for key.
func (l *Locker[K]) Held(key K) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	return ok && len(e.sem) == 1
}

// Len returns the number of keys that are held or waited on.
func (l *Locker[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locker[K]) releaser(key K, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.releaseEntry(key, e)
		})
	}
}

func (l *Locker[K]) acquireEntry(key K) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locks == nil {
		l.locks = make(map[K]*entry)
	}
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Locker[K]) releaseEntry(key K, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
