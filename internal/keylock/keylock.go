// Package keylock provides a table of per-key locks so that operations
// against the same room serialize while different rooms never contend.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	slot chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// Table hands out one lock per key, created lazily and removed once the
// last waiter is gone.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Do runs fn while holding the lock for key. The lock is released on every
// exit path, including a panic inside fn. Waiting is bounded by ctx.
func (t *Table) Do(ctx context.Context, key string, fn func() error) error {
	e := t.retain(key)

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		t.release(key)
		return ctx.Err()
	}

	defer func() {
		<-e.slot
		t.release(key)
	}()
	return fn()
}

func (t *Table) retain(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Len reports how many keys currently have live lock entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
