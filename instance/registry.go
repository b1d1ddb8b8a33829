package instance

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/caffeineduck/manifold/hostfunc"
	"github.com/caffeineduck/manifold/idalloc"
	"github.com/caffeineduck/manifold/loader"
	"github.com/caffeineduck/manifold/tracker"
	"go.uber.org/zap"
)

// DefaultRamsDir is the directory under the data root holding one home
// directory per instance id.
const DefaultRamsDir = "rams"

// DefaultExitHookTimeout bounds the guest's exit hook during shutdown.
const DefaultExitHookTimeout = 5 * time.Second

// Observer receives lifecycle events, typically to export metrics.
type Observer interface {
	Booted(d time.Duration)
	BootFailed(phase Phase)
	Stopped(r tracker.Report)
	CleanupFailed(kind string)
}

type nopObserver struct{}

func (nopObserver) Booted(time.Duration)   {}
func (nopObserver) BootFailed(Phase)       {}
func (nopObserver) Stopped(tracker.Report) {}
func (nopObserver) CleanupFailed(string)   {}

// Option configures a Registry.
type Option func(*config)

type config struct {
	booter          Booter
	dataRoot        string
	ramsDir         string
	loaderOpts      []loader.Option
	callback        func(fn func())
	observer        Observer
	exitHookTimeout time.Duration
	log             *zap.Logger
}

func defaultConfig() config {
	return config{
		dataRoot:        DefaultDataRoot(),
		ramsDir:         DefaultRamsDir,
		callback:        func(fn func()) { fn() },
		observer:        nopObserver{},
		exitHookTimeout: DefaultExitHookTimeout,
		log:             zap.NewNop(),
	}
}

// WithBooter sets how instances bring up their guest.
func WithBooter(b Booter) Option {
	return func(c *config) {
		c.booter = b
	}
}

// WithDataRoot sets the directory holding per-instance storage.
func WithDataRoot(dir string) Option {
	return func(c *config) {
		if dir != "" {
			c.dataRoot = dir
		}
	}
}

// WithRamsDir sets the subdirectory of the data root used for home
// directories.
func WithRamsDir(name string) Option {
	return func(c *config) {
		if name != "" {
			c.ramsDir = name
		}
	}
}

// WithLoaderOptions adds options applied to every instance's loader, such as
// the shared caches and the dispatch host module.
func WithLoaderOptions(opts ...loader.Option) Option {
	return func(c *config) {
		c.loaderOpts = append(c.loaderOpts, opts...)
	}
}

// WithCallbackExecutor sets where Start completion callbacks run. The
// default runs them on the boot goroutine.
func WithCallbackExecutor(exec func(fn func())) Option {
	return func(c *config) {
		if exec != nil {
			c.callback = exec
		}
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *config) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithExitHookTimeout bounds how long the guest exit hook may run.
func WithExitHookTimeout(d time.Duration) Option {
	return func(c *config) {
		c.exitHookTimeout = d
	}
}

// WithLogger sets the registry's logger. Instances log through it with an
// instance field.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// DefaultDataRoot returns MANIFOLD_DATA_ROOT, else XDG_DATA_HOME/manifold,
// else ~/.local/share/manifold.
func DefaultDataRoot() string {
	if dir := os.Getenv("MANIFOLD_DATA_ROOT"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "manifold")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "manifold")
	}
	return filepath.Join(os.TempDir(), "manifold")
}

// Registry owns the live instances and the ids they hold.
type Registry struct {
	cfg config

	mu        sync.RWMutex
	ids       *idalloc.Allocator
	instances map[int]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	// Home directories are mounted at their host path in the guest.
	if abs, err := filepath.Abs(cfg.dataRoot); err == nil {
		cfg.dataRoot = abs
	}
	return &Registry{
		cfg:       cfg,
		ids:       idalloc.New(),
		instances: make(map[int]*Instance),
	}
}

// Create registers a new instance in state Created under the smallest free id.
func (r *Registry) Create(p Params) (*Instance, error) {
	if r.cfg.booter == nil {
		return nil, ErrNoBooter
	}

	r.mu.Lock()
	id := r.ids.Acquire()
	inst := newInstance(r, id, p.withDefaults())
	r.instances[id] = inst
	r.mu.Unlock()

	inst.log.Debug("instance created", zap.String("module", inst.params.Module))
	return inst, nil
}

// Remove unregisters inst. Its id is released at once unless a boot or
// shutdown of inst is still running, in which case that finishes first. It
// reports false if inst was not registered.
func (r *Registry) Remove(inst *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registeredLocked(inst) {
		return false
	}
	delete(r.instances, inst.id)
	r.releaseLocked(inst)
	return true
}

// retire unregisters inst at the start of its shutdown while keeping the id
// held until teardown calls leave.
func (r *Registry) retire(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst.busy++
	if r.registeredLocked(inst) {
		delete(r.instances, inst.id)
	}
}

// enter marks a boot or teardown of inst in flight.
func (r *Registry) enter(inst *Instance) {
	r.mu.Lock()
	inst.busy++
	r.mu.Unlock()
}

func (r *Registry) leave(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst.busy--
	r.releaseLocked(inst)
}

func (r *Registry) releaseLocked(inst *Instance) {
	if !inst.holdsID || inst.busy > 0 || r.registeredLocked(inst) {
		return
	}
	inst.holdsID = false
	r.ids.Release(inst.id)
}

func (r *Registry) registeredLocked(inst *Instance) bool {
	cur, ok := r.instances[inst.id]
	return ok && cur == inst
}

// Find returns the registered instance with id.
func (r *Registry) Find(id int) (*Instance, bool) {
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	return inst, ok
}

// Lookup resolves a dispatch call to a booting or running instance.
func (r *Registry) Lookup(id int) (hostfunc.Owner, bool) {
	inst, ok := r.Find(id)
	if !ok {
		return nil, false
	}
	switch inst.State() {
	case Starting, Running:
		return inst, true
	}
	return nil, false
}

// List returns every registered instance ordered by id.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	list := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		list = append(list, inst)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(a, b int) bool { return list[a].id < list[b].id })
	return list
}

// ListRunning returns the running instances ordered by id.
func (r *Registry) ListRunning() []*Instance {
	all := r.List()
	running := all[:0]
	for _, inst := range all {
		if inst.State() == Running {
			running = append(running, inst)
		}
	}
	return running
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// ShutdownAll stops every instance and unregisters those that failed to
// boot.
func (r *Registry) ShutdownAll(ctx context.Context) {
	for _, inst := range r.List() {
		inst.Shutdown(ctx)
		r.Remove(inst)
	}
}

// Reset restarts id allocation from 1. It fails while instances are
// registered.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.instances) > 0 {
		return ErrRegistryNotEmpty
	}
	r.ids.Reset()
	return nil
}

// HomeDir returns the storage directory for id: <dataRoot>/<ramsDir>/<id>.
func (r *Registry) HomeDir(id int) string {
	return filepath.Join(r.cfg.dataRoot, r.cfg.ramsDir, strconv.Itoa(id))
}

func (r *Registry) registered(inst *Instance) bool {
	cur, ok := r.Find(inst.id)
	return ok && cur == inst
}

func (r *Registry) newTracker(id int) *tracker.Tracker {
	return tracker.New(id,
		tracker.WithLogger(r.cfg.log),
		tracker.WithFailureHook(r.cfg.observer.CleanupFailed))
}
