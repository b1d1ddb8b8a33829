package tracker

import (
	"context"
	"sync"

	"github.com/caffeineduck/manifold/instctx"
)

// Thread is a goroutine started on behalf of an instance. It registers with
// the owner's tracker before it runs and stops when interrupted.
type Thread struct {
	name   string
	owner  int
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	err       error
	onStop    func() error
	stopped   bool
	stopError error
}

func newThread(parent context.Context, owner int, name string) *Thread {
	ctx, cancel := context.WithCancel(instctx.With(parent, owner))
	return &Thread{
		name:   name,
		owner:  owner,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Name returns the thread's label.
func (th *Thread) Name() string {
	return th.name
}

// Owner returns the instance id the thread belongs to.
func (th *Thread) Owner() int {
	return th.owner
}

// Context returns the thread's context.
func (th *Thread) Context() context.Context {
	return th.ctx
}

// OnInterrupt sets a hook run by Interrupt after the context is cancelled,
// typically closing the guest module the thread executes.
func (th *Thread) OnInterrupt(fn func() error) {
	th.mu.Lock()
	th.onStop = fn
	th.mu.Unlock()
}

// Interrupt cancels the thread's context and runs its interrupt hook once.
func (th *Thread) Interrupt() error {
	th.cancel()

	th.mu.Lock()
	defer th.mu.Unlock()
	if th.stopped {
		return th.stopError
	}
	th.stopped = true
	if th.onStop != nil {
		th.stopError = th.onStop()
	}
	return th.stopError
}

// Done is closed when the thread's function returns.
func (th *Thread) Done() <-chan struct{} {
	return th.done
}

// Wait blocks until the thread returns or ctx is done.
func (th *Thread) Wait(ctx context.Context) error {
	select {
	case <-th.done:
		return th.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error the thread's function returned, if it has returned.
func (th *Thread) Err() error {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.err
}

func (th *Thread) setErr(err error) {
	th.mu.Lock()
	th.err = err
	th.mu.Unlock()
}
