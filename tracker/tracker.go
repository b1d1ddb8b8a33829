// Package tracker attributes goroutines and network connections to the
// instance that created them and releases them when the instance stops.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Report summarizes one CleanupAll pass.
type Report struct {
	Threads  int
	Sockets  int
	Failures int
}

// Tracker holds the threads and sockets owned by one instance. Registration
// is safe from any goroutine.
type Tracker struct {
	owner int
	log   *zap.Logger

	mu      sync.Mutex
	threads []*Thread
	sockets []io.Closer
	cleaned bool

	onFailure func(kind string)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used for cleanup failures.
func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithFailureHook is called once per failed release with "thread" or "socket".
func WithFailureHook(fn func(kind string)) Option {
	return func(t *Tracker) {
		t.onFailure = fn
	}
}

// New returns an empty tracker for the given instance id.
func New(owner int, opts ...Option) *Tracker {
	t := &Tracker{
		owner: owner,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(zap.Int("instance", owner))
	return t
}

// Owner returns the instance id this tracker belongs to.
func (t *Tracker) Owner() int {
	return t.owner
}

// AddThread registers th. After cleanup the thread is interrupted immediately.
func (t *Tracker) AddThread(th *Thread) {
	t.mu.Lock()
	if t.cleaned {
		t.mu.Unlock()
		t.interrupt(th)
		return
	}
	t.threads = append(t.threads, th)
	t.mu.Unlock()
}

// AddSocket registers c. After cleanup the socket is closed immediately.
func (t *Tracker) AddSocket(c io.Closer) {
	t.mu.Lock()
	if t.cleaned {
		t.mu.Unlock()
		t.close(c)
		return
	}
	t.sockets = append(t.sockets, c)
	t.mu.Unlock()
}

// RemoveSocket forgets c without closing it. It reports whether c was tracked.
func (t *Tracker) RemoveSocket(c io.Closer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.sockets {
		if s == c {
			t.sockets = append(t.sockets[:i], t.sockets[i+1:]...)
			return true
		}
	}
	return false
}

// Threads returns the number of tracked threads.
func (t *Tracker) Threads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.threads)
}

// Sockets returns the number of tracked sockets.
func (t *Tracker) Sockets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sockets)
}

// Len returns the total number of tracked resources.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.threads) + len(t.sockets)
}

// Cleaned reports whether CleanupAll has run.
func (t *Tracker) Cleaned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cleaned
}

// CleanupAll interrupts every thread and closes every socket, then empties
// both sets. Individual failures are logged and do not stop the pass. Calls
// after the first release nothing.
func (t *Tracker) CleanupAll() Report {
	t.mu.Lock()
	threads := t.threads
	sockets := t.sockets
	t.threads = nil
	t.sockets = nil
	t.cleaned = true
	t.mu.Unlock()

	r := Report{Threads: len(threads), Sockets: len(sockets)}
	for _, th := range threads {
		if !t.interrupt(th) {
			r.Failures++
		}
	}
	for _, c := range sockets {
		if !t.close(c) {
			r.Failures++
		}
	}

	if r.Threads > 0 || r.Sockets > 0 {
		t.log.Debug("resources released",
			zap.Int("threads", r.Threads),
			zap.Int("sockets", r.Sockets),
			zap.Int("failures", r.Failures))
	}
	return r
}

func (t *Tracker) interrupt(th *Thread) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			t.fail("thread", th.Name(), fmt.Errorf("panic: %v", p))
			ok = false
		}
	}()
	if err := th.Interrupt(); err != nil {
		t.fail("thread", th.Name(), err)
		return false
	}
	return true
}

func (t *Tracker) close(c io.Closer) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			t.fail("socket", describe(c), fmt.Errorf("panic: %v", p))
			ok = false
		}
	}()
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.fail("socket", describe(c), err)
		return false
	}
	return true
}

func (t *Tracker) fail(kind, name string, err error) {
	t.log.Warn("release failed",
		zap.String("kind", kind),
		zap.String("resource", name),
		zap.Error(err))
	if t.onFailure != nil {
		t.onFailure(kind)
	}
}

// Go starts fn on a new tracked thread. The thread's context carries a fresh
// instance slot set to the tracker's owner and is cancelled on Interrupt.
func (t *Tracker) Go(ctx context.Context, name string, fn func(ctx context.Context) error) *Thread {
	th := newThread(ctx, t.owner, name)
	t.AddThread(th)

	go func() {
		defer close(th.done)
		err := fn(th.ctx)
		th.setErr(err)
		if err != nil && th.ctx.Err() == nil {
			t.log.Debug("thread exited with error", zap.String("thread", name), zap.Error(err))
		}
	}()
	return th
}

func describe(c io.Closer) string {
	if s, ok := c.(fmt.Stringer); ok {
		return s.String()
	}
	if conn, ok := c.(net.Conn); ok && conn.RemoteAddr() != nil {
		return conn.RemoteAddr().String()
	}
	return fmt.Sprintf("%T", c)
}
