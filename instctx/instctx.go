// Package instctx associates a logical thread of control with the instance it
// runs on behalf of.
//
// Go has no goroutine-local storage, so the association rides on
// [context.Context]. A slot is attached with [Bind] (one slot per logical
// thread) and then read and written with [Get], [Set] and [Clear]. Contexts
// derived from the bound one share the slot; a goroutine that binds its own
// slot never observes another goroutine's value.
//
//	ctx = instctx.With(ctx, id)   // bind a fresh slot holding id
//	id := instctx.Get(ctx)        // instctx.None if nothing is set
package instctx

import (
	"context"
	"sync/atomic"
)

// None is returned by Get when no instance is associated with the context.
// Instance ids start at 1.
const None = 0

type slotKey struct{}

type slot struct {
	id atomic.Int64
}

// Bind returns a context carrying a fresh, empty slot.
func Bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, slotKey{}, &slot{})
}

// With binds a fresh slot and sets it to id.
func With(ctx context.Context, id int) context.Context {
	ctx = Bind(ctx)
	Set(ctx, id)
	return ctx
}

// Set stores id in the context's slot. It reports false when no slot is bound.
func Set(ctx context.Context, id int) bool {
	s := lookup(ctx)
	if s == nil {
		return false
	}
	s.id.Store(int64(id))
	return true
}

// Get returns the instance id held by the context's slot, or None.
func Get(ctx context.Context) int {
	s := lookup(ctx)
	if s == nil {
		return None
	}
	return int(s.id.Load())
}

// Clear resets the context's slot to None.
func Clear(ctx context.Context) {
	if s := lookup(ctx); s != nil {
		s.id.Store(None)
	}
}

// ClearIf resets the slot only if it currently holds id. It reports whether
// the slot was cleared.
func ClearIf(ctx context.Context, id int) bool {
	s := lookup(ctx)
	if s == nil {
		return false
	}
	return s.id.CompareAndSwap(int64(id), None)
}

// Bound reports whether a slot is attached to the context.
func Bound(ctx context.Context) bool {
	return lookup(ctx) != nil
}

func lookup(ctx context.Context) *slot {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(slotKey{}).(*slot)
	return s
}
