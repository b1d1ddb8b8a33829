// Package idalloc issues small integer instance identifiers and recycles
// released ones, smallest first.
//
// Per-instance storage directories are named after the id, so dense low
// numbering keeps them compact.
package idalloc

import (
	"container/heap"
	"sync"
)

// Allocator hands out ids starting at 1. The zero value is not usable; call New.
type Allocator struct {
	mu   sync.Mutex
	pool intHeap
	free map[int]struct{}
	next int
}

// New returns an allocator whose first id is 1.
func New() *Allocator {
	return &Allocator{
		free: make(map[int]struct{}),
		next: 1,
	}
}

// Acquire returns the smallest released id, or mints a new one.
func (a *Allocator) Acquire() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pool.Len() > 0 {
		id := heap.Pop(&a.pool).(int)
		delete(a.free, id)
		return id
	}

	id := a.next
	a.next++
	return id
}

// Release returns id to the pool. Non-positive ids, ids already in the pool
// and ids that were never issued are ignored.
func (a *Allocator) Release(id int) {
	if id <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if id >= a.next {
		return
	}
	if _, ok := a.free[id]; ok {
		return
	}
	a.free[id] = struct{}{}
	heap.Push(&a.pool, id)
}

// Reset empties the pool and restarts numbering at 1. Only meaningful when no
// issued id is still in use.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pool = a.pool[:0]
	a.free = make(map[int]struct{})
	a.next = 1
}

// Free returns the released ids in ascending order.
func (a *Allocator) Free() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]int, 0, len(a.free))
	cp := make(intHeap, len(a.pool))
	copy(cp, a.pool)
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(int))
	}
	return out
}

// Next returns the id that would be minted once the pool is empty.
func (a *Allocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *intHeap) Push(x any) { *h = append(*h, x.(int)) }

func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
