// Package keylock provides per-key reader/writer locks whose acquisition honours a
// context, so a waiter can be cancelled instead of blocking forever.
package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxReaders bounds concurrent readers of a single key. A writer acquires all slots.
const maxReaders = 1 << 20

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker hands out locks keyed by string. Entries are dropped once nobody holds or
// waits on them.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// RLock acquires a shared lock on key. The returned release func must be called exactly once.
func (l *Locker) RLock(ctx context.Context, key string) (func(), error) {
	return l.acquire(ctx, key, 1)
}

// Lock acquires an exclusive lock on key.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	return l.acquire(ctx, key, maxReaders)
}

func (l *Locker) acquire(ctx context.Context, key string, n int64) (func(), error) {
	e := l.ref(key)
	if err := e.sem.Acquire(ctx, n); err != nil {
		l.unref(key, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(n)
			l.unref(key, e)
		})
	}, nil
}

func (l *Locker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(maxReaders)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len reports how many keys are currently tracked.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
