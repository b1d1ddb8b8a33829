package loader

import (
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/manifold/instrument"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Image is an instrumented module binary. Images are immutable and shared
// between loaders.
type Image struct {
	Name string
	// Bytes is the binary to compile.
	Bytes []byte
	// Digest identifies the source binary the image was produced from.
	Digest    digest.Digest
	Modified  bool
	Redirects []instrument.Redirect
	Sites     []instrument.Site
	Imports   []string
}

// CacheMetrics receives cache events. Implementations must be safe for
// concurrent use.
type CacheMetrics interface {
	Hit()
	Miss()
	Bypass()
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits       int64
	Misses     int64
	Bypasses   int64
	Unmodified int
	Rewritten  int
}

// ImageCache holds instrumented images keyed by module name. Unmodified and
// rewritten images live in separate maps; an entry is written once and the
// first writer wins.
type ImageCache struct {
	mu         sync.RWMutex
	unmodified map[string]*Image
	rewritten  map[string]*Image

	shareRewritten bool
	group          singleflight.Group
	log            *zap.Logger
	metrics        CacheMetrics

	hits, misses, bypasses atomic.Int64
}

// CacheOption configures an ImageCache.
type CacheOption func(*ImageCache)

// WithShareRewritten controls whether rewritten images are cached for reuse
// by other loaders. Sharing is on by default.
func WithShareRewritten(share bool) CacheOption {
	return func(c *ImageCache) {
		c.shareRewritten = share
	}
}

// WithCacheLogger sets the logger for digest mismatches.
func WithCacheLogger(log *zap.Logger) CacheOption {
	return func(c *ImageCache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithCacheMetrics reports hits, misses and bypasses to m.
func WithCacheMetrics(m CacheMetrics) CacheOption {
	return func(c *ImageCache) {
		c.metrics = m
	}
}

// NewImageCache returns an empty cache.
func NewImageCache(opts ...CacheOption) *ImageCache {
	c := &ImageCache{
		unmodified:     make(map[string]*Image),
		rewritten:      make(map[string]*Image),
		shareRewritten: true,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the image for name built from source. A cached entry is used
// only when its source digest matches; otherwise the source is instrumented
// privately and the result is not stored. Concurrent first requests for the
// same source share one instrumentation.
func (c *ImageCache) Get(name string, source []byte, in *instrument.Instrumentor) (*Image, error) {
	d := digest.FromBytes(source)

	if img, ok := c.lookup(name); ok {
		if img.Digest == d {
			c.hit()
			return img, nil
		}
		c.bypasses.Add(1)
		if c.metrics != nil {
			c.metrics.Bypass()
		}
		c.log.Warn("cached image digest differs, instrumenting privately",
			zap.String("module", name),
			zap.String("cached", img.Digest.String()),
			zap.String("source", d.String()))
		return build(name, source, d, in)
	}

	v, err, _ := c.group.Do(name+"@"+d.String(), func() (any, error) {
		if img, ok := c.lookup(name); ok && img.Digest == d {
			c.hit()
			return img, nil
		}
		c.misses.Add(1)
		if c.metrics != nil {
			c.metrics.Miss()
		}
		img, err := build(name, source, d, in)
		if err != nil {
			return nil, err
		}
		return c.store(img), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Image), nil
}

func (c *ImageCache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.Hit()
	}
}

func (c *ImageCache) lookup(name string) (*Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if img, ok := c.unmodified[name]; ok {
		return img, true
	}
	img, ok := c.rewritten[name]
	return img, ok
}

// store inserts img unless an entry for its name exists, and returns the
// entry that ended up in the cache.
func (c *ImageCache) store(img *Image) *Image {
	target := c.unmodified
	if img.Modified {
		if !c.shareRewritten {
			return img
		}
		target = c.rewritten
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := target[img.Name]; ok {
		return existing
	}
	target[img.Name] = img
	return img
}

func build(name string, source []byte, d digest.Digest, in *instrument.Instrumentor) (*Image, error) {
	res, err := in.Instrument(name, source)
	if err != nil {
		return nil, err
	}
	return &Image{
		Name:      name,
		Bytes:     res.Image,
		Digest:    d,
		Modified:  res.Modified,
		Redirects: res.Redirects,
		Sites:     res.Sites,
		Imports:   res.Imports,
	}, nil
}

// Stats returns current counters and entry counts.
func (c *ImageCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Bypasses:   c.bypasses.Load(),
		Unmodified: len(c.unmodified),
		Rewritten:  len(c.rewritten),
	}
}

// Purge drops every entry.
func (c *ImageCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmodified = make(map[string]*Image)
	c.rewritten = make(map[string]*Image)
}
