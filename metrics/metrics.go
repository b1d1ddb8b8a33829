// Package metrics exports runtime counters to Prometheus.
//
// A *Metrics is both a loader.CacheMetrics and an instance.Observer, so one
// value is handed to the image cache and the registry.
package metrics

import (
	"time"

	"github.com/caffeineduck/manifold/instance"
	"github.com/caffeineduck/manifold/tracker"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "manifold"

// Metrics holds the runtime's collectors.
type Metrics struct {
	cache           *prometheus.CounterVec
	boots           prometheus.Counter
	bootFailures    *prometheus.CounterVec
	bootDuration    prometheus.Histogram
	shutdowns       prometheus.Counter
	released        *prometheus.CounterVec
	cleanupFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "image_cache",
			Name:      "lookups_total",
			Help:      "Image cache lookups by result (hit, miss, bypass).",
		}, []string{"result"}),
		boots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "boots_total",
			Help:      "Instances that reached the running state.",
		}),
		bootFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "boot_failures_total",
			Help:      "Failed boots by phase.",
		}, []string{"phase"}),
		bootDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "boot_duration_seconds",
			Help:      "Time from boot start to running.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		shutdowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "shutdowns_total",
			Help:      "Completed instance shutdowns.",
		}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "released_total",
			Help:      "Resources released at shutdown by kind.",
		}, []string{"kind"}),
		cleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "cleanup_failures_total",
			Help:      "Resources that failed to release by kind.",
		}, []string{"kind"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.cache, m.boots, m.bootFailures, m.bootDuration,
		m.shutdowns, m.released, m.cleanupFailures,
	}
}

func (m *Metrics) Hit()    { m.cache.WithLabelValues("hit").Inc() }
func (m *Metrics) Miss()   { m.cache.WithLabelValues("miss").Inc() }
func (m *Metrics) Bypass() { m.cache.WithLabelValues("bypass").Inc() }

func (m *Metrics) Booted(d time.Duration) {
	m.boots.Inc()
	m.bootDuration.Observe(d.Seconds())
}

func (m *Metrics) BootFailed(phase instance.Phase) {
	m.bootFailures.WithLabelValues(string(phase)).Inc()
}

func (m *Metrics) Stopped(r tracker.Report) {
	m.shutdowns.Inc()
	m.released.WithLabelValues("thread").Add(float64(r.Threads))
	m.released.WithLabelValues("socket").Add(float64(r.Sockets))
}

func (m *Metrics) CleanupFailed(kind string) {
	m.cleanupFailures.WithLabelValues(kind).Inc()
}

// Counter reports a current count, such as the number of registered
// instances.
type Counter interface {
	Len() int
}

// WatchInstances registers a gauge reading the number of registered
// instances from c at scrape time.
func WatchInstances(reg prometheus.Registerer, c Counter) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "instance",
		Name:      "registered",
		Help:      "Instances currently registered.",
	}, func() float64 { return float64(c.Len()) }))
}
