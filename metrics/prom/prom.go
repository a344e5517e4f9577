// Package prom exports cache statistics to Prometheus. The cache exposes a
// snapshot aggregate (RefreshStats), so the adapter is a pull-style
// Collector rather than per-event hooks.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/datacache/cache"
)

// Collector implements prometheus.Collector over AsyncDataCache stats.
// Safe for concurrent use; every scrape takes one stats snapshot.
type Collector struct {
	cache *cache.AsyncDataCache

	entries       *prometheus.Desc
	emptyEntries  *prometheus.Desc
	sharedPinned  *prometheus.Desc
	exclPinned    *prometheus.Desc
	tinyBytes     *prometheus.Desc
	largeBytes    *prometheus.Desc
	prefetchBytes *prometheus.Desc
	hits          *prometheus.Desc
	hitBytes      *prometheus.Desc
	misses        *prometheus.Desc
	evictions     *prometheus.Desc
	evictChecks   *prometheus.Desc
	waitExclusive *prometheus.Desc
	cachedPages   *prometheus.Desc
	allocatedPgs  *prometheus.Desc
}

// NewCollector constructs a Collector and registers it.
//   - reg:          registry to register with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func NewCollector(reg prometheus.Registerer, c *cache.AsyncDataCache, ns, sub string, constLabels prometheus.Labels) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fqName := func(name string) string {
		return prometheus.BuildFQName(ns, sub, name)
	}
	col := &Collector{
		cache: c,
		entries: prometheus.NewDesc(fqName("entries"),
			"Resident cache entries", nil, constLabels),
		emptyEntries: prometheus.NewDesc(fqName("empty_entries"),
			"Arena slots without a resident entry", nil, constLabels),
		sharedPinned: prometheus.NewDesc(fqName("shared_pinned_bytes"),
			"Bytes held by read-pinned entries", nil, constLabels),
		exclPinned: prometheus.NewDesc(fqName("exclusive_pinned_bytes"),
			"Bytes held by write-pinned entries", nil, constLabels),
		tinyBytes: prometheus.NewDesc(fqName("tiny_bytes"),
			"Bytes in inline (tiny) storage incl. padding", nil, constLabels),
		largeBytes: prometheus.NewDesc(fqName("large_bytes"),
			"Bytes in page storage incl. padding", nil, constLabels),
		prefetchBytes: prometheus.NewDesc(fqName("prefetch_bytes"),
			"Bytes in unconsumed prefetch entries", nil, constLabels),
		hits: prometheus.NewDesc(fqName("hits_total"),
			"Cache hits", nil, constLabels),
		hitBytes: prometheus.NewDesc(fqName("hit_bytes_total"),
			"Bytes served from cache hits", nil, constLabels),
		misses: prometheus.NewDesc(fqName("misses_total"),
			"New entries created (misses)", nil, constLabels),
		evictions: prometheus.NewDesc(fqName("evictions_total"),
			"Entries evicted", nil, constLabels),
		evictChecks: prometheus.NewDesc(fqName("eviction_checks_total"),
			"Eviction sweep slot visits", nil, constLabels),
		waitExclusive: prometheus.NewDesc(fqName("wait_exclusive_total"),
			"Lookups that met an in-flight load", nil, constLabels),
		cachedPages: prometheus.NewDesc(fqName("cached_pages"),
			"Pages attached to cache entries", nil, constLabels),
		allocatedPgs: prometheus.NewDesc(fqName("allocator_pages"),
			"Pages allocated from the backing allocator", nil, constLabels),
	}
	reg.MustRegister(col)
	return col
}

// Describe implements prometheus.Collector.
func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(col, ch)
}

// Collect implements prometheus.Collector.
func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	s := col.cache.RefreshStats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge(col.entries, float64(s.NumEntries))
	gauge(col.emptyEntries, float64(s.NumEmptyEntries))
	gauge(col.sharedPinned, float64(s.SharedPinnedBytes))
	gauge(col.exclPinned, float64(s.ExclusivePinnedBytes))
	gauge(col.tinyBytes, float64(s.TinySize+s.TinyPadding))
	gauge(col.largeBytes, float64(s.LargeSize+s.LargePadding))
	gauge(col.prefetchBytes, float64(s.PrefetchBytes))
	counter(col.hits, float64(s.NumHit))
	counter(col.hitBytes, float64(s.HitBytes))
	counter(col.misses, float64(s.NumNew))
	counter(col.evictions, float64(s.NumEvict))
	counter(col.evictChecks, float64(s.NumEvictChecks))
	counter(col.waitExclusive, float64(s.NumWaitExclusive))
	gauge(col.cachedPages, float64(col.cache.CachedPages()))
	gauge(col.allocatedPgs, float64(col.cache.Allocator().NumAllocated()))
}

// Compile-time check: Collector implements prometheus.Collector.
var _ prometheus.Collector = (*Collector)(nil)
