package tracker

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caffeineduck/manifold/instctx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingCloser struct {
	closes atomic.Int32
	err    error
}

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return c.err
}

type panickingCloser struct{}

func (panickingCloser) Close() error { panic("boom") }

func TestCleanupReleasesEverything(t *testing.T) {
	tr := New(1)

	a, b := &countingCloser{}, &countingCloser{}
	tr.AddSocket(a)
	tr.AddSocket(b)

	th := tr.Go(context.Background(), "worker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if got := tr.Len(); got != 3 {
		t.Fatalf("expected 3 tracked resources, got %d", got)
	}

	r := tr.CleanupAll()
	if r.Threads != 1 || r.Sockets != 2 || r.Failures != 0 {
		t.Errorf("unexpected report %+v", r)
	}
	if a.closes.Load() != 1 || b.closes.Load() != 1 {
		t.Errorf("expected each socket closed once, got %d and %d", a.closes.Load(), b.closes.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := th.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected thread to stop with context.Canceled, got %v", err)
	}
	if tr.Len() != 0 {
		t.Errorf("expected empty tracker, got %d", tr.Len())
	}
}

func TestCleanupTwiceReleasesNothing(t *testing.T) {
	tr := New(2)
	c := &countingCloser{}
	tr.AddSocket(c)

	tr.CleanupAll()
	r := tr.CleanupAll()

	if r != (Report{}) {
		t.Errorf("second cleanup reported %+v", r)
	}
	if got := c.closes.Load(); got != 1 {
		t.Errorf("expected one close, got %d", got)
	}
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	var failed []string
	tr := New(3,
		WithLogger(zap.New(core)),
		WithFailureHook(func(kind string) { failed = append(failed, kind) }))

	bad := &countingCloser{err: errors.New("reset by peer")}
	good := &countingCloser{}
	tr.AddSocket(bad)
	tr.AddSocket(panickingCloser{})
	tr.AddSocket(good)

	r := tr.CleanupAll()

	if r.Failures != 2 {
		t.Errorf("expected 2 failures, got %d", r.Failures)
	}
	if good.closes.Load() != 1 {
		t.Error("socket after the failures was not closed")
	}
	if len(failed) != 2 || failed[0] != "socket" {
		t.Errorf("unexpected failure hook calls: %v", failed)
	}

	entries := logs.FilterMessage("release failed").All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 warnings, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["instance"]; got != int64(3) {
		t.Errorf("expected instance field 3, got %v", got)
	}
}

func TestAlreadyClosedConnIsNotAFailure(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	tr := New(4)
	tr.AddSocket(client)
	client.Close()

	if r := tr.CleanupAll(); r.Failures != 0 {
		t.Errorf("closing an already closed conn counted as failure: %+v", r)
	}
}

func TestRegistrationAfterCleanupReleasesImmediately(t *testing.T) {
	tr := New(5)
	tr.CleanupAll()

	c := &countingCloser{}
	tr.AddSocket(c)
	if c.closes.Load() != 1 {
		t.Error("late socket was not closed")
	}

	th := tr.Go(context.Background(), "late", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	select {
	case <-th.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("late thread was not interrupted")
	}
	if tr.Len() != 0 {
		t.Errorf("late registrations should not be kept, got %d", tr.Len())
	}
}

func TestRemoveSocket(t *testing.T) {
	tr := New(6)
	c := &countingCloser{}
	tr.AddSocket(c)

	if !tr.RemoveSocket(c) {
		t.Fatal("expected socket to be tracked")
	}
	if tr.RemoveSocket(c) {
		t.Error("second remove should report false")
	}

	tr.CleanupAll()
	if c.closes.Load() != 0 {
		t.Error("removed socket should not be closed by cleanup")
	}
}

func TestThreadCarriesOwner(t *testing.T) {
	tr := New(9)
	got := make(chan int, 1)

	th := tr.Go(context.Background(), "worker", func(ctx context.Context) error {
		got <- instctx.Get(ctx)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := th.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if id := <-got; id != 9 {
		t.Errorf("expected thread context bound to 9, got %d", id)
	}
	if th.Owner() != 9 {
		t.Errorf("expected owner 9, got %d", th.Owner())
	}
}

func TestThreadSlotIsPrivate(t *testing.T) {
	parent := instctx.With(context.Background(), 1)
	tr := New(2)

	th := tr.Go(parent, "child", func(ctx context.Context) error {
		instctx.Clear(ctx)
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	th.Wait(ctx)

	if got := instctx.Get(parent); got != 1 {
		t.Errorf("thread cleared its parent's slot, got %d", got)
	}
}

func TestInterruptHookRunsOnce(t *testing.T) {
	tr := New(7)
	var calls atomic.Int32
	release := make(chan struct{})

	th := tr.Go(context.Background(), "guest", func(ctx context.Context) error {
		<-release
		return nil
	})
	th.OnInterrupt(func() error {
		calls.Add(1)
		close(release)
		return nil
	})

	tr.CleanupAll()
	th.Interrupt()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected hook to run once, got %d", got)
	}
}

func TestInterruptHookErrorCounted(t *testing.T) {
	tr := New(8)
	th := tr.Go(context.Background(), "stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	th.OnInterrupt(func() error { return errors.New("module busy") })

	if r := tr.CleanupAll(); r.Failures != 1 {
		t.Errorf("expected 1 failure, got %+v", r)
	}
}
