package session

import (
	"context"
	"sort"
	"sync"
)

// keyMutex is a cancellable mutex (a one-slot channel) with a reference
// count so idle keys can be dropped from the table.
type keyMutex struct {
	ch   chan struct{}
	refs int
}

// keyLock serializes work per chat id. Entries exist only while some
// goroutine holds or waits on the key.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyMutex
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*keyMutex)}
}

func (l *keyLock) acquireRef(key string) *keyMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &keyMutex{ch: make(chan struct{}, 1)}
		l.locks[key] = m
	}
	m.refs++
	return m
}

func (l *keyLock) releaseRef(key string, m *keyMutex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *keyLock) lockOne(ctx context.Context, key string) error {
	m := l.acquireRef(key)
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.releaseRef(key, m)
		return ctx.Err()
	}
}

func (l *keyLock) unlockOne(key string) {
	l.mu.Lock()
	m, ok := l.locks[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-m.ch
	l.releaseRef(key, m)
}

// Lock acquires every distinct key in sorted order, so two callers locking
// overlapping sets cannot deadlock. On cancellation nothing stays held.
func (l *keyLock) Lock(ctx context.Context, keys ...string) (func(), error) {
	uniq := dedupe(keys)
	held := make([]string, 0, len(uniq))
	for _, k := range uniq {
		if err := l.lockOne(ctx, k); err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				l.unlockOne(held[i])
			}
			return nil, err
		}
		held = append(held, k)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				l.unlockOne(held[i])
			}
		})
	}, nil
}

// size reports how many keys are currently tracked.
func (l *keyLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
