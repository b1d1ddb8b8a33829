package loader

import (
	"context"
	"io/fs"

	"github.com/caffeineduck/manifold/instrument"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// DefaultMaxImageSize bounds module binaries read by a loader.
const DefaultMaxImageSize = 256 << 20

// HostModule instantiates a host module into a loader's runtime.
type HostModule func(ctx context.Context, rt wazero.Runtime) error

// ConfigFunc returns the module configuration used to instantiate name.
type ConfigFunc func(name string) wazero.ModuleConfig

// Option configures a Loader.
type Option func(*config)

type config struct {
	locations        []fs.FS
	parent           Finder
	cache            *ImageCache
	instrumentor     *instrument.Instrumentor
	compilationCache wazero.CompilationCache
	memoryLimitPages uint32 // 0 = wazero default (4GB)
	maxImageSize     int64
	moduleConfig     ConfigFunc
	hostModules      []HostModule
	log              *zap.Logger
}

func defaultConfig() config {
	return config{
		maxImageSize: DefaultMaxImageSize,
		log:          zap.NewNop(),
	}
}

// WithLocations sets the loader's own search locations, consulted before the
// parent and the only source of resources.
func WithLocations(locations ...fs.FS) Option {
	return func(c *config) {
		c.locations = append(c.locations, locations...)
	}
}

// WithParent sets the finder consulted when no own location has a module.
func WithParent(f Finder) Option {
	return func(c *config) {
		c.parent = f
	}
}

// WithImageCache shares instrumented images with other loaders.
func WithImageCache(cache *ImageCache) Option {
	return func(c *config) {
		c.cache = cache
	}
}

// WithInstrumentor sets the instrumentor applied to every resolved module.
func WithInstrumentor(in *instrument.Instrumentor) Option {
	return func(c *config) {
		c.instrumentor = in
	}
}

// WithCompilationCache shares compiled code with other runtimes.
func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(c *config) {
		c.compilationCache = cache
	}
}

// WithMemoryLimit sets the maximum memory pages per module (64KB each).
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// WithMaxImageSize rejects module binaries larger than n bytes.
func WithMaxImageSize(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxImageSize = n
		}
	}
}

// WithModuleConfig sets the configuration used for modules loaded by name
// and for spawned copies.
func WithModuleConfig(fn ConfigFunc) Option {
	return func(c *config) {
		c.moduleConfig = fn
	}
}

// WithHostModule adds a host module instantiated when the loader is created.
func WithHostModule(m HostModule) Option {
	return func(c *config) {
		c.hostModules = append(c.hostModules, m)
	}
}

// WithLogger sets the loader's logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}
