// Package launcher owns the state shared by every instance and starts
// instances on worker goroutines.
//
// A Launcher holds one compilation cache, one image cache, the system
// loader, the instance registry and the dispatch module. Everything else
// is per instance.
//
//	l, err := launcher.New(
//	    launcher.WithLocations(os.DirFS("./modules")),
//	    launcher.WithAllowedHosts([]string{"api.example.com"}),
//	)
//	defer l.Close(ctx)
//
//	inst, err := l.LaunchSync(ctx, instance.Params{Module: "app"})
package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/caffeineduck/manifold/boot"
	"github.com/caffeineduck/manifold/hostfunc"
	"github.com/caffeineduck/manifold/instance"
	"github.com/caffeineduck/manifold/instrument"
	"github.com/caffeineduck/manifold/loader"
	"github.com/caffeineduck/manifold/metrics"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

var (
	ErrClosed   = errors.New("launcher closed")
	ErrNotFound = errors.New("instance not found")
)

// Launcher starts and stops isolated instances.
type Launcher struct {
	cfg        config
	compiled   wazero.CompilationCache
	images     *loader.ImageCache
	instr      *instrument.Instrumentor
	system     *loader.System
	dispatcher *hostfunc.Dispatcher
	registry   *instance.Registry
	metrics    *metrics.Metrics
	log        *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a Launcher.
func New(opts ...Option) (*Launcher, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.log

	l := &Launcher{cfg: cfg, log: log}

	if cfg.metrics != nil {
		m, err := metrics.New(cfg.metrics)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		l.metrics = m
	}

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err := wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
		l.compiled = cache
	} else {
		l.compiled = wazero.NewCompilationCache()
	}

	instrOpts := []instrument.Option{instrument.WithLogger(log)}
	if cfg.rules != nil {
		instrOpts = append(instrOpts, instrument.WithRules(cfg.rules...))
	}
	l.instr = instrument.New(instrOpts...)

	cacheOpts := []loader.CacheOption{
		loader.WithShareRewritten(cfg.shareRewritten),
		loader.WithCacheLogger(log),
	}
	if l.metrics != nil {
		cacheOpts = append(cacheOpts, loader.WithCacheMetrics(l.metrics))
	}
	l.images = loader.NewImageCache(cacheOpts...)
	l.system = loader.NewSystem(cfg.systemLocations...)

	l.dispatcher = hostfunc.NewDispatcher(
		hostfunc.ResolverFunc(func(id int) (hostfunc.Owner, bool) {
			return l.registry.Lookup(id)
		}),
		hostfunc.WithSocketConfig(hostfunc.SocketConfig{
			AllowedHosts: cfg.allowedHosts,
			DialTimeout:  cfg.dialTimeout,
		}),
		hostfunc.WithLogger(log),
	)

	loaderOpts := []loader.Option{
		loader.WithLocations(cfg.locations...),
		loader.WithParent(l.system),
		loader.WithImageCache(l.images),
		loader.WithInstrumentor(l.instr),
		loader.WithCompilationCache(l.compiled),
		loader.WithMemoryLimit(cfg.memoryLimitPages),
		loader.WithMaxImageSize(cfg.maxImageSize),
		loader.WithHostModule(l.dispatcher.Instantiate),
	}
	for _, hm := range cfg.hostModules {
		loaderOpts = append(loaderOpts, loader.WithHostModule(hm))
	}

	booter := cfg.booter
	if booter == nil {
		booter = boot.New(boot.WithLogger(log))
	}
	regOpts := []instance.Option{
		instance.WithBooter(booter),
		instance.WithDataRoot(cfg.dataRoot),
		instance.WithRamsDir(cfg.ramsDir),
		instance.WithLoaderOptions(loaderOpts...),
		instance.WithCallbackExecutor(cfg.callback),
		instance.WithLogger(log),
	}
	if l.metrics != nil {
		regOpts = append(regOpts, instance.WithObserver(l.metrics))
	}
	l.registry = instance.NewRegistry(regOpts...)

	if cfg.metrics != nil {
		if err := metrics.WatchInstances(cfg.metrics, l.registry); err != nil {
			l.compiled.Close(context.Background())
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	return l, nil
}

// Launch creates an instance and boots it on a worker goroutine. The
// instance is returned immediately in state Created or Starting;
// onComplete reports the outcome.
func (l *Launcher) Launch(ctx context.Context, p instance.Params, onComplete func(*instance.Instance, error)) (*instance.Instance, error) {
	inst, err := l.create(p)
	if err != nil {
		return nil, err
	}
	inst.Start(ctx, onComplete)
	return inst, nil
}

// LaunchSync creates an instance and boots it on a worker goroutine,
// waiting for the outcome. A failed instance stays registered so its error
// remains visible; Shutdown removes it.
func (l *Launcher) LaunchSync(ctx context.Context, p instance.Params) (*instance.Instance, error) {
	done := make(chan error, 1)
	inst, err := l.create(p)
	if err != nil {
		return nil, err
	}
	go func() { done <- inst.Boot(ctx) }()
	return inst, <-done
}

func (l *Launcher) create(p instance.Params) (*instance.Instance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	if p.Stdout == nil {
		p.Stdout = l.cfg.stdout
	}
	if p.Stderr == nil {
		p.Stderr = l.cfg.stderr
	}
	return l.registry.Create(p)
}

// Shutdown stops the instance with id and unregisters it, including an
// instance whose boot failed.
func (l *Launcher) Shutdown(ctx context.Context, id int) error {
	inst, ok := l.registry.Find(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	inst.Shutdown(ctx)
	l.registry.Remove(inst)
	return nil
}

func (l *Launcher) Registry() *instance.Registry {
	return l.registry
}

// Cache returns the image cache shared by every instance.
func (l *Launcher) Cache() *loader.ImageCache {
	return l.images
}

func (l *Launcher) Instrumentor() *instrument.Instrumentor {
	return l.instr
}

func (l *Launcher) Dispatcher() *hostfunc.Dispatcher {
	return l.dispatcher
}

// Close shuts down every instance and releases the shared caches.
func (l *Launcher) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.registry.ShutdownAll(ctx)

	err := l.compiled.Close(ctx)
	l.images.Purge()
	l.log.Debug("launcher closed")
	return err
}
