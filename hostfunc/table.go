package hostfunc

import "sync"

// Table maps guest-visible handles to host values. Handle 0 is never issued.
type Table[T any] struct {
	mu     sync.Mutex
	items  map[uint32]T
	next   uint32
	closed bool
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{items: make(map[uint32]T), next: 1}
}

// Insert stores v and returns its handle, or false if the table is closed.
func (t *Table[T]) Insert(v T) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, false
	}
	for {
		h := t.next
		t.next++
		if t.next > maxHandle {
			t.next = 1
		}
		if _, used := t.items[h]; !used {
			t.items[h] = v
			return h, true
		}
	}
}

// handles stay positive when returned to the guest as i32.
const maxHandle = 1<<31 - 1

// Get returns the value for h.
func (t *Table[T]) Get(h uint32) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	return v, ok
}

// Remove deletes h and returns its value.
func (t *Table[T]) Remove(h uint32) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	if ok {
		delete(t.items, h)
	}
	return v, ok
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Close stops further inserts and returns the values still stored.
func (t *Table[T]) Close() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	out := make([]T, 0, len(t.items))
	for _, v := range t.items {
		out = append(out, v)
	}
	t.items = make(map[uint32]T)
	return out
}
