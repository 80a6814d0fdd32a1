package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockquant_kernel_launches_total",
		Help: "Total number of grid launches by kernel",
	}, []string{"kernel"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blockquant_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"kernel"})

	AutotuneSearches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blockquant_autotune_searches_total",
		Help: "Number of configuration searches run on a cache miss",
	})

	AutotuneCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blockquant_autotune_cache_hits_total",
		Help: "Number of configuration lookups served from the cache",
	})

	AutotuneSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blockquant_autotune_skipped_configs_total",
		Help: "Configurations skipped because they exceed resource limits",
	})

	ZeroScaleTiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blockquant_zero_scale_tiles_total",
		Help: "Batch elements stored with a zero scale; their quantised values are all zero",
	})
)

// RecordKernel counts one launch of kernel and observes its wall time.
func RecordKernel(kernel string, elapsed time.Duration) {
	KernelLaunches.WithLabelValues(kernel).Inc()
	KernelDuration.WithLabelValues(kernel).Observe(elapsed.Seconds())
}
