package launcher

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caffeineduck/manifold/instance"
	"github.com/caffeineduck/manifold/instrument"
	"github.com/caffeineduck/manifold/loader"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures a Launcher.
type Option func(*config)

type config struct {
	dataRoot         string
	ramsDir          string
	locations        []fs.FS
	systemLocations  []fs.FS
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // 0 = wazero default (4GB)
	maxImageSize     int64
	allowedHosts     []string
	dialTimeout      time.Duration
	rules            []instrument.Rule
	shareRewritten   bool
	hostModules      []loader.HostModule
	booter           instance.Booter
	callback         func(fn func())
	metrics          prometheus.Registerer
	stdout           io.Writer
	stderr           io.Writer
	log              *zap.Logger
}

func defaultConfig() config {
	return config{
		dataRoot:       instance.DefaultDataRoot(),
		ramsDir:        instance.DefaultRamsDir,
		maxImageSize:   loader.DefaultMaxImageSize,
		shareRewritten: true,
		log:            zap.NewNop(),
	}
}

// WithDataRoot sets the directory holding per-instance storage.
func WithDataRoot(dir string) Option {
	return func(c *config) {
		c.dataRoot = dir
	}
}

// WithRamsDir sets the subdirectory of the data root holding home
// directories.
func WithRamsDir(name string) Option {
	return func(c *config) {
		c.ramsDir = name
	}
}

// WithLocations adds locations every instance's loader searches first.
// Resources are only read from these.
func WithLocations(locations ...fs.FS) Option {
	return func(c *config) {
		c.locations = append(c.locations, locations...)
	}
}

// WithSystemLocations adds locations of the shared system loader,
// consulted when an instance's own locations lack a module.
func WithSystemLocations(locations ...fs.FS) Option {
	return func(c *config) {
		c.systemLocations = append(c.systemLocations, locations...)
	}
}

// WithDiskCache enables persistent compilation cache for faster CLI startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/manifold or XDG_CACHE_HOME/manifold.
//
// Examples:
//
//	launcher.New(launcher.WithDiskCache())            // default dir
//	launcher.New(launcher.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to each module.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// WithMaxImageSize rejects module files larger than n bytes.
func WithMaxImageSize(n int64) Option {
	return func(c *config) {
		c.maxImageSize = n
	}
}

// WithAllowedHosts sets the hosts guests may open sockets to.
func WithAllowedHosts(hosts []string) Option {
	return func(c *config) {
		c.allowedHosts = hosts
	}
}

// WithDialTimeout bounds socket connects made for guests.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = d
	}
}

// WithRules replaces the default redirect rules.
func WithRules(rules ...instrument.Rule) Option {
	return func(c *config) {
		c.rules = rules
	}
}

// WithShareRewritten controls whether instrumented images are shared
// between instances. Unmodified images are always shared.
func WithShareRewritten(share bool) Option {
	return func(c *config) {
		c.shareRewritten = share
	}
}

// WithHostModule adds a host module instantiated into every instance's
// runtime next to the dispatch module.
func WithHostModule(m loader.HostModule) Option {
	return func(c *config) {
		c.hostModules = append(c.hostModules, m)
	}
}

// WithBooter replaces the default WebAssembly booter.
func WithBooter(b instance.Booter) Option {
	return func(c *config) {
		c.booter = b
	}
}

// WithCallbackExecutor sets where Launch completion callbacks run.
func WithCallbackExecutor(exec func(fn func())) Option {
	return func(c *config) {
		c.callback = exec
	}
}

// WithMetrics registers runtime collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.metrics = reg
	}
}

// WithStdout sets the default stdout of launched guests.
func WithStdout(w io.Writer) Option {
	return func(c *config) {
		c.stdout = w
	}
}

// WithStderr sets the default stderr of launched guests.
func WithStderr(w io.Writer) Option {
	return func(c *config) {
		c.stderr = w
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "manifold")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "manifold")
	}
	return filepath.Join(os.TempDir(), "manifold-cache")
}
