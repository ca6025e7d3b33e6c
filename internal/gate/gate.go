// Package gate provides bounded admission control for concurrent work.
package gate

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// Gate is a counting admission gate. At most capacity holders may be
// active at once; waiters are woken in FIFO order as slots free up.
type Gate struct {
	mu       sync.Mutex
	capacity int
	active   int
	waiters  *list.List // of chan struct{}
}

// New creates a gate with the given capacity.
func New(capacity int) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("gate: capacity must be positive, got %d", capacity)
	}
	return &Gate{
		capacity: capacity,
		waiters:  list.New(),
	}, nil
}

// Acquire blocks until a slot is free or ctx is cancelled. On success the
// caller holds a slot and must call Release exactly once.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.active < g.capacity && g.waiters.Len() == 0 {
		g.active++
		g.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := g.waiters.PushBack(ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-ready:
			// Woken between ctx firing and taking the lock; the slot is
			// already ours, hand it to the next waiter instead.
			g.releaseLocked()
		default:
			g.waiters.Remove(elem)
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a slot and wakes the oldest waiter, if any.
func (g *Gate) Release() {
	g.mu.Lock()
	g.releaseLocked()
	g.mu.Unlock()
}

func (g *Gate) releaseLocked() {
	if front := g.waiters.Front(); front != nil {
		g.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	if g.active > 0 {
		g.active--
	}
}

// Active returns the number of currently held slots.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Capacity returns the gate's slot limit.
func (g *Gate) Capacity() int {
	return g.capacity
}

// Waiting returns how many callers are blocked in Acquire.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}
