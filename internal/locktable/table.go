// Package locktable serializes requests that name the same advisory lock.
//
// A lock exists only while someone holds or waits for it. Waiters are not
// served in FIFO order.
package locktable

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// Table maps caller-supplied lock ids to mutexes.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Table {
	return &Table{entries: map[string]*entry{}}
}

// Acquire blocks until id is free or ctx is done. The returned release func
// is idempotent; once the last holder or waiter leaves, the id is removed
// from the table.
func (t *Table) Acquire(ctx context.Context, id string) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[id] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		t.unref(id, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.unref(id, e)
		})
	}, nil
}

// TryAcquire takes id only if it is free right now.
func (t *Table) TryAcquire(id string) (func(), bool) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[id] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	default:
		t.unref(id, e)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.unref(id, e)
		})
	}, true
}

func (t *Table) unref(id string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 && t.entries[id] == e {
		delete(t.entries, id)
	}
}

// Held reports whether id currently has a holder.
func (t *Table) Held(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return ok && len(e.sem) > 0
}

// Len returns the number of ids with a holder or waiter.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
