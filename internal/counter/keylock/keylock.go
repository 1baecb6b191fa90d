// Package keylock serializes work per string key inside one process.
package keylock

import (
	"context"
	"sort"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Locker hands out one exclusive lock per key. Idle keys are released
// so the table only holds keys that are locked or awaited.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until key is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, e)
		return ctx.Err()
	}
}

// Unlock releases key. Unlocking a key that is not held panics.
func (l *Locker) Unlock(key string) {
	l.mu.Lock()
	e, ok := l.locks[key]
	l.mu.Unlock()
	if !ok {
		panic("keylock: unlock of unlocked key " + key)
	}
	select {
	case <-e.ch:
	default:
		panic("keylock: unlock of unlocked key " + key)
	}
	l.release(key, e)
}

// LockAll acquires every key in sorted order and returns a func releasing
// them. Duplicate keys are locked once.
func (l *Locker) LockAll(ctx context.Context, keys ...string) (func(), error) {
	ordered := dedupe(keys)
	sort.Strings(ordered)

	held := make([]string, 0, len(ordered))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.Unlock(held[i])
		}
	}
	for _, key := range ordered {
		if err := l.Lock(ctx, key); err != nil {
			unlock()
			return nil, err
		}
		held = append(held, key)
	}
	return unlock, nil
}

func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locker) release(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
