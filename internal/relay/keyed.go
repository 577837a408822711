package relay

import (
	"context"
	"sync"
	"time"
)

// keyedMutex hands out one lock per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key int) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// inflight tracks submissions whose forwarded ID is not yet known to the
// store. A reply that misses can wait for the ones that were already running.
type inflight struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]chan struct{}
}

func newInflight() *inflight {
	return &inflight{pending: make(map[uint64]chan struct{})}
}

// begin registers a submission and returns the func that ends it.
func (p *inflight) begin() func() {
	p.mu.Lock()
	id := p.next
	p.next++
	done := make(chan struct{})
	p.pending[id] = done
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		close(done)
	}
}

func (p *inflight) snapshot() []chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]chan struct{}, 0, len(p.pending))
	for _, done := range p.pending {
		out = append(out, done)
	}
	return out
}

// waitAll blocks until every channel in pending is closed, ctx ends or
// timeout passes. It reports whether all of them finished.
func waitAll(ctx context.Context, pending []chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		}
	}
	return true
}
