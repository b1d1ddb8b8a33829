package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/manifold/instctx"
	"github.com/caffeineduck/manifold/instrument"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

var (
	ErrModuleNotFound   = errors.New("module not found")
	ErrResourceNotFound = errors.New("resource not found")
	ErrImageTooLarge    = errors.New("module image too large")
	ErrImportCycle      = errors.New("import cycle")
	ErrClosed           = errors.New("loader closed")
)

// spawnSep separates a module name from the copy number of a spawned copy.
const spawnSep = "#"

// Loader gives one instance its own module namespace. Modules loaded through
// it get private globals, memories and tables, while compiled code and
// instrumented images are shared with every other loader.
type Loader struct {
	id        int
	rt        wazero.Runtime
	locations []fs.FS
	parent    Finder
	cache     *ImageCache
	instr     *instrument.Instrumentor
	maxSize   int64
	configFn  ConfigFunc
	log       *zap.Logger

	// loadMu serializes Load so that dependency resolution sees a stable
	// namespace. Spawn does not take it; start functions may spawn threads.
	loadMu sync.Mutex

	mu       sync.Mutex
	images   map[string]*Image
	compiled map[string]wazero.CompiledModule
	closed   bool

	spawned atomic.Uint64
}

// New creates a loader for instance id with a fresh runtime. WASI and the
// configured host modules are instantiated before it is returned.
func New(id int, opts ...Option) (*Loader, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cache == nil {
		cfg.cache = NewImageCache()
	}
	if cfg.instrumentor == nil {
		cfg.instrumentor = instrument.New()
	}

	ctx := context.Background()

	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	if cfg.compilationCache != nil {
		rtConfig = rtConfig.WithCompilationCache(cfg.compilationCache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	for _, hm := range cfg.hostModules {
		if err := hm(ctx, rt); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("instantiate host module: %w", err)
		}
	}

	return &Loader{
		id:        id,
		rt:        rt,
		locations: cfg.locations,
		parent:    cfg.parent,
		cache:     cfg.cache,
		instr:     cfg.instrumentor,
		maxSize:   cfg.maxImageSize,
		configFn:  cfg.moduleConfig,
		log:       cfg.log.With(zap.Int("instance", id)),
		images:    make(map[string]*Image),
		compiled:  make(map[string]wazero.CompiledModule),
	}, nil
}

// ID returns the instance id the loader is bound to.
func (l *Loader) ID() int {
	return l.id
}

// Runtime returns the loader's namespace.
func (l *Loader) Runtime() wazero.Runtime {
	return l.rt
}

// Resolve finds and instruments name. Modules already resolved by this
// loader are returned as is; otherwise own locations are searched before the
// parent.
func (l *Loader) Resolve(ctx context.Context, name string) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if img, ok := l.images[name]; ok {
		l.mu.Unlock()
		return img, nil
	}
	l.mu.Unlock()

	source, err := l.find(name)
	if err != nil {
		return nil, err
	}

	img, err := l.cache.Get(name, source, l.instr)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.images[name]; ok {
		return existing, nil
	}
	l.images[name] = img
	return img, nil
}

func (l *Loader) find(name string) ([]byte, error) {
	b, ok, err := findIn(l.locations, moduleFile(name), l.maxSize)
	if err != nil {
		return nil, err
	}
	if ok {
		return b, nil
	}
	if l.parent == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return l.parent.Find(name, l.maxSize)
}

// Load resolves, compiles and instantiates name under its own name,
// loading its non-host imports first.
func (l *Loader) Load(ctx context.Context, name string) (api.Module, error) {
	return l.LoadWithConfig(ctx, name, nil)
}

// LoadWithConfig is Load with an explicit configuration for name itself.
// Dependencies use the loader's configuration.
func (l *Loader) LoadWithConfig(ctx context.Context, name string, cfg wazero.ModuleConfig) (api.Module, error) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	return l.load(l.bind(ctx), name, cfg, nil)
}

func (l *Loader) bind(ctx context.Context) context.Context {
	if instctx.Get(ctx) == instctx.None {
		return instctx.With(ctx, l.id)
	}
	return ctx
}

func (l *Loader) load(ctx context.Context, name string, cfg wazero.ModuleConfig, path []string) (api.Module, error) {
	if mod := l.rt.Module(name); mod != nil {
		return mod, nil
	}
	for _, p := range path {
		if p == name {
			return nil, fmt.Errorf("%w: %s", ErrImportCycle, strings.Join(append(path, name), " -> "))
		}
	}
	path = append(path, name)

	img, err := l.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	for _, dep := range img.Imports {
		if l.rt.Module(dep) != nil {
			continue
		}
		if _, err := l.load(ctx, dep, nil, path); err != nil {
			return nil, fmt.Errorf("load %s for %s: %w", dep, name, err)
		}
	}

	compiled, err := l.compile(ctx, img)
	if err != nil {
		return nil, err
	}

	if cfg == nil {
		cfg = l.configFor(name)
	}
	mod, err := l.rt.InstantiateModule(ctx, compiled, cfg.WithName(name))
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", name, err)
	}

	l.log.Debug("module loaded",
		zap.String("module", name),
		zap.Bool("modified", img.Modified),
		zap.Int("redirects", len(img.Redirects)),
		zap.String("digest", img.Digest.String()))
	return mod, nil
}

func (l *Loader) compile(ctx context.Context, img *Image) (wazero.CompiledModule, error) {
	l.mu.Lock()
	if c, ok := l.compiled[img.Name]; ok {
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	c, err := l.rt.CompileModule(ctx, img.Bytes)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", img.Name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.compiled[img.Name]; ok {
		c.Close(ctx)
		return existing, nil
	}
	l.compiled[img.Name] = c
	return c, nil
}

func (l *Loader) configFor(name string) wazero.ModuleConfig {
	if l.configFn != nil {
		if cfg := l.configFn(name); cfg != nil {
			return cfg
		}
	}
	return wazero.NewModuleConfig().WithStartFunctions("_initialize")
}

// Spawn instantiates another copy of the already loaded module name. Copies
// run no start functions unless cfg says so and are named "<name>#<n>".
func (l *Loader) Spawn(ctx context.Context, name string, cfg wazero.ModuleConfig) (api.Module, error) {
	compiled, ok := l.Compiled(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not loaded", ErrModuleNotFound, name)
	}
	if cfg == nil {
		cfg = l.configFor(name).WithStartFunctions()
	}
	n := l.spawned.Add(1)
	mod, err := l.rt.InstantiateModule(l.bind(ctx), compiled, cfg.WithName(fmt.Sprintf("%s%s%d", name, spawnSep, n)))
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	return mod, nil
}

// Origin returns the module name a loaded module or spawned copy was
// created from.
func Origin(moduleName string) string {
	name, _, _ := strings.Cut(moduleName, spawnSep)
	return name
}

// Resource reads a non-code file from the loader's own locations. The parent
// is never consulted.
func (l *Loader) Resource(name string) ([]byte, error) {
	b, ok, err := findIn(l.locations, name, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, name)
	}
	return b, nil
}

// OpenResource opens a non-code file from the loader's own locations.
func (l *Loader) OpenResource(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("invalid path %q", name)
	}
	for _, loc := range l.locations {
		f, err := loc.Open(name)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, name)
}

// Module returns the instantiated module name, or nil.
func (l *Loader) Module(name string) api.Module {
	return l.rt.Module(name)
}

// Compiled returns the compiled form of a module loaded by this loader.
func (l *Loader) Compiled(name string) (wazero.CompiledModule, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.compiled[name]
	return c, ok
}

// Images returns the images resolved by this loader, sorted by name.
func (l *Loader) Images() []*Image {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Image, 0, len(l.images))
	for _, img := range l.images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes every module in the namespace. Calling Close more than once
// is a no-op. Shared caches stay open.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	return l.rt.Close(ctx)
}

// Closed reports whether Close has been called.
func (l *Loader) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
