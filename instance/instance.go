package instance

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/caffeineduck/manifold/hostfunc"
	"github.com/caffeineduck/manifold/instctx"
	"github.com/caffeineduck/manifold/loader"
	"github.com/caffeineduck/manifold/tracker"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Instance is one isolated copy of the guest: its own loader namespace,
// resource tracker, socket table and home directory.
type Instance struct {
	id     int
	params Params
	reg    *Registry
	home   string
	log    *zap.Logger

	mu       sync.Mutex
	state    State
	err      error
	tracker  *tracker.Tracker
	sockets  *hostfunc.Table[net.Conn]
	ld       *loader.Loader
	surface  Surface
	exitHook ExitHook
	ctx      context.Context
	cancel   context.CancelFunc
	exitCode uint32
	exited   bool
	running  chan struct{}

	done     chan struct{}
	doneOnce sync.Once

	// Guarded by reg.mu. The id returns to the allocator once the instance
	// is unregistered and no boot or teardown is in flight.
	holdsID bool
	busy    int
}

func newInstance(r *Registry, id int, p Params) *Instance {
	ctx, cancel := context.WithCancel(instctx.With(context.Background(), id))
	return &Instance{
		id:      id,
		params:  p,
		reg:     r,
		home:    r.HomeDir(id),
		log:     r.cfg.log.With(zap.Int("instance", id)),
		state:   Created,
		tracker: r.newTracker(id),
		sockets: hostfunc.NewTable[net.Conn](),
		ctx:     ctx,
		cancel:  cancel,
		running: make(chan struct{}),
		done:    make(chan struct{}),
		holdsID: true,
	}
}

func (i *Instance) ID() int {
	return i.id
}

func (i *Instance) Params() Params {
	return i.params
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Err returns the boot failure, if the last boot failed.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// ErrorMessage returns Err as text, or "" when the instance has not failed.
func (i *Instance) ErrorMessage() string {
	if err := i.Err(); err != nil {
		return err.Error()
	}
	return ""
}

func (i *Instance) Tracker() *tracker.Tracker {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tracker
}

func (i *Instance) Sockets() *hostfunc.Table[net.Conn] {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sockets
}

func (i *Instance) Loader() *loader.Loader {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ld
}

// Surface returns what the booter exposed. It is nil unless the instance is
// running.
func (i *Instance) Surface() Surface {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != Running {
		return nil
	}
	return i.surface
}

// Context is bound to the instance id and cancelled on shutdown.
func (i *Instance) Context() context.Context {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ctx
}

// Home returns the instance's storage path without creating it.
func (i *Instance) Home() string {
	return i.home
}

// HomeDir returns the instance's storage path, creating it if needed.
func (i *Instance) HomeDir() (string, error) {
	if err := os.MkdirAll(i.home, 0o755); err != nil {
		return "", fmt.Errorf("create home directory: %w", err)
	}
	return i.home, nil
}

// ExitCode returns the code the guest exited with, if it exited.
func (i *Instance) ExitCode() (uint32, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitCode, i.exited
}

// Running is closed when the current boot reaches Running. Guest threads
// started by a booter wait on it before entering guest code.
func (i *Instance) Running() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

// Done is closed once the instance has been shut down.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Start boots the instance on a new goroutine and returns immediately.
// onComplete, if set, runs through the registry's callback executor once
// the instance is running or stopped.
func (i *Instance) Start(ctx context.Context, onComplete func(*Instance, error)) {
	go func() {
		err := i.Boot(ctx)
		if onComplete != nil {
			i.reg.cfg.callback(func() { onComplete(i, err) })
		}
	}()
}

// Boot brings the instance up synchronously. It is allowed from Created, or
// from Stopped while the instance is still registered after a failed boot.
func (i *Instance) Boot(ctx context.Context) error {
	registered := i.reg.registered(i)

	i.mu.Lock()
	if i.state != Created && !(i.state == Stopped && registered) {
		i.mu.Unlock()
		return ErrNotStartable
	}
	i.state = Starting
	i.err = nil
	i.exited = false
	i.surface, i.exitHook = nil, nil
	i.running = make(chan struct{})
	if i.tracker.Cleaned() {
		i.tracker = i.reg.newTracker(i.id)
		i.sockets = hostfunc.NewTable[net.Conn]()
		i.ctx, i.cancel = context.WithCancel(instctx.With(context.Background(), i.id))
	}
	i.reg.enter(i)
	i.mu.Unlock()
	defer i.reg.leave(i)

	if instctx.Bound(ctx) {
		instctx.Set(ctx, i.id)
	} else {
		ctx = instctx.With(ctx, i.id)
	}

	i.log.Info("instance starting", zap.String("module", i.params.Module))
	begin := time.Now()
	surface, hook, err := i.boot(ctx)

	i.mu.Lock()
	if i.state != Starting {
		i.mu.Unlock()
		i.releaseBoot(ctx)
		i.log.Info("instance shut down during boot")
		return ErrShutdownDuringBoot
	}
	if err != nil {
		i.state = Stopped
		i.err = err
		i.mu.Unlock()
		i.releaseBoot(ctx)
		var be *BootError
		if errors.As(err, &be) {
			i.reg.cfg.observer.BootFailed(be.Phase)
		}
		i.log.Warn("instance failed to boot", zap.Error(err))
		return err
	}
	i.state = Running
	i.surface = surface
	i.exitHook = hook
	close(i.running)
	i.mu.Unlock()

	elapsed := time.Since(begin)
	i.reg.cfg.observer.Booted(elapsed)
	i.log.Info("instance running", zap.Duration("elapsed", elapsed))
	return nil
}

func (i *Instance) boot(ctx context.Context) (Surface, ExitHook, error) {
	if _, err := i.HomeDir(); err != nil {
		return nil, nil, bootError(i.id, PhaseHome, err)
	}

	opts := append([]loader.Option{}, i.reg.cfg.loaderOpts...)
	opts = append(opts, loader.WithModuleConfig(i.ModuleConfig), loader.WithLogger(i.reg.cfg.log))
	ld, err := loader.New(i.id, opts...)
	if err != nil {
		return nil, nil, bootError(i.id, PhaseLoader, err)
	}
	i.mu.Lock()
	i.ld = ld
	i.mu.Unlock()

	surface, hook, err := i.reg.cfg.booter.Boot(ctx, i, ld)
	if err != nil {
		return nil, nil, bootError(i.id, phaseOf(err), err)
	}
	return surface, hook, nil
}

// releaseBoot frees what a failed or interrupted boot left behind. The
// instance keeps its registration.
func (i *Instance) releaseBoot(ctx context.Context) {
	i.mu.Lock()
	tr, sockets, ld, cancel := i.tracker, i.sockets, i.ld, i.cancel
	i.ld = nil
	i.surface, i.exitHook = nil, nil
	i.mu.Unlock()

	tr.CleanupAll()
	sockets.Close()
	cancel()
	if ld != nil {
		if err := ld.Close(context.WithoutCancel(ctx)); err != nil {
			i.log.Warn("close loader", zap.Error(err))
		}
	}
}

// ModuleConfig is the configuration modules in this instance are
// instantiated with: stdio, environment, clocks and the home directory
// mounted at the same path in the guest.
func (i *Instance) ModuleConfig(string) wazero.ModuleConfig {
	p := i.params
	fsc := wazero.NewFSConfig().WithDirMount(i.home, i.home)
	for _, m := range p.Mounts {
		if m.ReadOnly {
			fsc = fsc.WithReadOnlyDirMount(m.HostPath, m.GuestPath)
		} else {
			fsc = fsc.WithDirMount(m.HostPath, m.GuestPath)
		}
	}

	cfg := wazero.NewModuleConfig().
		WithStartFunctions("_initialize").
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader).
		WithFSConfig(fsc).
		WithEnv("HOME", i.home)

	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg = cfg.WithEnv(k, p.Env[k])
	}
	if p.Stdin != nil {
		cfg = cfg.WithStdin(p.Stdin)
	}
	if p.Stdout != nil {
		cfg = cfg.WithStdout(p.Stdout)
	}
	if p.Stderr != nil {
		cfg = cfg.WithStderr(p.Stderr)
	}
	return cfg
}

// Spawn instantiates another copy of the module a thread was spawned from.
func (i *Instance) Spawn(ctx context.Context, caller string) (api.Module, error) {
	ld := i.Loader()
	if ld == nil {
		return nil, fmt.Errorf("instance %d has no loader", i.id)
	}
	return ld.Spawn(ctx, loader.Origin(caller), nil)
}

// RequestExit records the guest's exit code and shuts the instance down on
// another goroutine, since it is called from inside guest code.
func (i *Instance) RequestExit(code uint32) {
	i.mu.Lock()
	if !i.exited {
		i.exitCode = code
		i.exited = true
	}
	i.mu.Unlock()
	i.log.Info("guest exited", zap.Uint32("code", code))
	go i.Shutdown(context.Background())
}

// Shutdown stops the instance. It is a no-op once the instance is stopped.
func (i *Instance) Shutdown(ctx context.Context) {
	i.mu.Lock()
	if i.state == Stopped {
		i.mu.Unlock()
		return
	}
	i.state = Stopped
	i.reg.retire(i)
	i.mu.Unlock()

	i.teardown(ctx)
}

// ForceShutdown runs every cleanup step regardless of state. It leaves
// registration to the caller.
func (i *Instance) ForceShutdown(ctx context.Context) {
	i.mu.Lock()
	i.state = Stopped
	i.reg.enter(i)
	i.mu.Unlock()
	i.teardown(ctx)
}

func (i *Instance) teardown(ctx context.Context) {
	i.mu.Lock()
	tr, sockets, hook := i.tracker, i.sockets, i.exitHook
	i.exitHook = nil
	i.mu.Unlock()

	report := tr.CleanupAll()
	sockets.Close()

	if hook != nil {
		i.runExitHook(ctx, hook)
	}

	i.mu.Lock()
	i.surface = nil
	ld, cancel := i.ld, i.cancel
	i.ld = nil
	i.mu.Unlock()

	cancel()
	if ld != nil {
		if err := ld.Close(context.WithoutCancel(ctx)); err != nil {
			i.log.Warn("close loader", zap.Error(err))
		}
	}

	instctx.ClearIf(ctx, i.id)

	i.reg.cfg.observer.Stopped(report)
	i.reg.leave(i)
	i.doneOnce.Do(func() { close(i.done) })
	i.log.Info("instance stopped",
		zap.Int("threads", report.Threads),
		zap.Int("sockets", report.Sockets),
		zap.Int("failures", report.Failures))
}

func (i *Instance) runExitHook(ctx context.Context, hook ExitHook) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Warn("exit hook panicked", zap.Any("panic", r))
		}
	}()

	hctx := instctx.With(context.WithoutCancel(ctx), i.id)
	if d := i.reg.cfg.exitHookTimeout; d > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, d)
		defer cancel()
	}
	if err := hook(hctx); err != nil {
		i.log.Warn("exit hook failed", zap.Error(err))
	}
}
