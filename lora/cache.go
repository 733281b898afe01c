package lora

import (
	"log/slog"
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tksw/comfynodes/nodeapi"
)

// GiB is the unit of the cache limit inputs.
const GiB = 1 << 30

// LimitFromGB converts a limit in GiB to bytes. Non-positive limits disable caching.
func LimitFromGB(gb float64) int64 {
	if gb <= 0 || math.IsNaN(gb) {
		return 0
	}
	return int64(gb * GiB)
}

// CacheMetrics are shared by every cache on one registerer.
type CacheMetrics struct {
	Hits        prometheus.Counter
	Misses      prometheus.Counter
	Evictions   prometheus.Counter
	Uncacheable prometheus.Counter
	Bytes       prometheus.Gauge
}

func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: nodeapi.Namespace, Subsystem: "lora_cache", Name: name, Help: help}
	}
	return &CacheMetrics{
		Hits:        nodeapi.RegisterCollector(reg, prometheus.NewCounter(opts("hits_total", "LoRA cache hits"))),
		Misses:      nodeapi.RegisterCollector(reg, prometheus.NewCounter(opts("misses_total", "LoRA cache misses"))),
		Evictions:   nodeapi.RegisterCollector(reg, prometheus.NewCounter(opts("evictions_total", "LoRA cache evictions"))),
		Uncacheable: nodeapi.RegisterCollector(reg, prometheus.NewCounter(opts("uncacheable_total", "LoRA loads larger than the cache budget"))),
		Bytes: nodeapi.RegisterCollector(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: nodeapi.Namespace,
			Subsystem: "lora_cache",
			Name:      "bytes",
			Help:      "Bytes currently held by LoRA caches",
		})),
	}
}

type cacheEntry struct {
	set  *TensorSet
	size int64
}

// Loader reads a LoRA and reports the size it should be charged.
type Loader func() (*TensorSet, int64, error)

// Cache is an LRU of loaded LoRAs bounded by the sum of their sizes. Entries are shared;
// callers must not modify a returned set. Not safe for concurrent use.
type Cache struct {
	budget  int64
	size    int64
	lru     *simplelru.LRU[string, cacheEntry]
	metrics *CacheMetrics
	log     *slog.Logger
}

// NewCache creates a cache holding at most budget bytes. A budget <= 0 disables caching.
func NewCache(budget int64, metrics *CacheMetrics, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewCacheMetrics(nil)
	}
	// entry count is unbounded; bytes are the only limit
	l, err := simplelru.NewLRU[string, cacheEntry](math.MaxInt32, nil)
	if err != nil {
		panic(err)
	}
	return &Cache{budget: budget, lru: l, metrics: metrics, log: log}
}

func (c *Cache) Enabled() bool {
	return c.budget > 0
}

func (c *Cache) Budget() int64 {
	return c.budget
}

// SetBudget changes the limit, evicting least recently used entries until the cache fits.
// Disabling the cache empties it.
func (c *Cache) SetBudget(budget int64) {
	c.budget = budget
	if budget <= 0 {
		c.Purge()
		return
	}
	c.evictFor(0)
}

func (c *Cache) evictFor(incoming int64) {
	for c.size+incoming > c.budget && c.lru.Len() > 0 {
		key, e, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.size -= e.size
		c.metrics.Evictions.Inc()
		c.metrics.Bytes.Sub(float64(e.size))
		c.log.Debug("lora cache evicted", "lora", key, "size", e.size, "cache_size", c.size)
	}
}

// GetOrLoad returns the cached set for key, or loads it and caches it when it fits.
// hit reports whether the set came from the cache. A hit never evicts anything.
func (c *Cache) GetOrLoad(key string, load Loader) (set *TensorSet, hit bool, err error) {
	if c.Enabled() {
		if e, ok := c.lru.Get(key); ok {
			c.metrics.Hits.Inc()
			return e.set, true, nil
		}
	}
	c.metrics.Misses.Inc()
	set, size, err := load()
	if err != nil {
		return nil, false, err
	}
	if !c.Enabled() {
		return set, false, nil
	}
	if size > c.budget {
		c.metrics.Uncacheable.Inc()
		c.log.Warn("lora too large for cache, not caching", "lora", key, "size", size, "budget", c.budget)
		return set, false, nil
	}
	c.evictFor(size)
	c.lru.Add(key, cacheEntry{set: set, size: size})
	c.size += size
	c.metrics.Bytes.Add(float64(size))
	return set, false, nil
}

func (c *Cache) Contains(key string) bool {
	return c.lru.Contains(key)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

// SizeBytes is the total size charged by the cached entries.
func (c *Cache) SizeBytes() int64 {
	return c.size
}

// Keys returns the cached keys from least to most recently used.
func (c *Cache) Keys() []string {
	return c.lru.Keys()
}

func (c *Cache) Purge() {
	c.metrics.Bytes.Sub(float64(c.size))
	c.lru.Purge()
	c.size = 0
}
