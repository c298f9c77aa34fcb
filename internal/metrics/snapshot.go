package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pior/cacheproxy/internal/backend"
	"github.com/pior/cacheproxy/internal/localcache"
	"github.com/pior/cacheproxy/internal/translate"
)

// Source provides the snapshots of one route. Nil funcs are skipped.
type Source struct {
	Route      string
	Endpoints  func() []backend.EndpointStats
	LocalCache func() localcache.Stats
	Stats      func() translate.Snapshot
}

type snapshotDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	info      Info
}

func newDesc(name, help string, valueType prometheus.ValueType, labels ...string) snapshotDesc {
	fqName := prometheus.BuildFQName(namespace, "", name)
	kind := "gauge"
	if valueType == prometheus.CounterValue {
		kind = "counter"
	}
	return snapshotDesc{
		desc:      prometheus.NewDesc(fqName, help, labels, nil),
		valueType: valueType,
		info:      Info{Name: fqName, Type: kind, Help: help},
	}
}

// snapshotCollector reads pool, breaker, local cache and translator stats
// at scrape time.
type snapshotCollector struct {
	mu      sync.Mutex
	sources []Source

	poolConns         snapshotDesc
	poolMaxConns      snapshotDesc
	poolCreated       snapshotDesc
	poolDestroyed     snapshotDesc
	poolAcquires      snapshotDesc
	poolAcquireWaits  snapshotDesc
	poolAcquireErrors snapshotDesc
	poolWaitSeconds   snapshotDesc

	breakerState    snapshotDesc
	breakerRequests snapshotDesc
	breakerFailures snapshotDesc

	cacheHits      snapshotDesc
	cacheMisses    snapshotDesc
	cacheEvictions snapshotDesc
	cacheExpired   snapshotDesc
	cacheBytes     snapshotDesc
	cacheEntries   snapshotDesc
	cacheMaxBytes  snapshotDesc

	getHits   snapshotDesc
	getMisses snapshotDesc
}

func newSnapshotCollector() *snapshotCollector {
	return &snapshotCollector{
		poolConns:         newDesc("pool_connections", "Backend sessions by state (total, active, idle)", prometheus.GaugeValue, "route", "endpoint", "state"),
		poolMaxConns:      newDesc("pool_max_connections", "Backend pool size", prometheus.GaugeValue, "route", "endpoint"),
		poolCreated:       newDesc("pool_connections_created_total", "Backend sessions created", prometheus.CounterValue, "route", "endpoint"),
		poolDestroyed:     newDesc("pool_connections_destroyed_total", "Backend sessions destroyed", prometheus.CounterValue, "route", "endpoint"),
		poolAcquires:      newDesc("pool_acquires_total", "Backend session acquires", prometheus.CounterValue, "route", "endpoint"),
		poolAcquireWaits:  newDesc("pool_acquire_waits_total", "Acquires that waited for a session", prometheus.CounterValue, "route", "endpoint"),
		poolAcquireErrors: newDesc("pool_acquire_errors_total", "Failed session acquires", prometheus.CounterValue, "route", "endpoint"),
		poolWaitSeconds:   newDesc("pool_acquire_wait_seconds_total", "Time spent waiting for a session", prometheus.CounterValue, "route", "endpoint"),

		breakerState:    newDesc("circuit_breaker_state", "Circuit breaker state (0=closed, 1=half-open, 2=open)", prometheus.GaugeValue, "route", "endpoint"),
		breakerRequests: newDesc("circuit_breaker_requests", "Requests in the current breaker interval", prometheus.GaugeValue, "route", "endpoint"),
		breakerFailures: newDesc("circuit_breaker_failures", "Breaker failure counts (total, consecutive)", prometheus.GaugeValue, "route", "endpoint", "type"),

		cacheHits:      newDesc("local_cache_hits_total", "Local cache hits", prometheus.CounterValue, "route"),
		cacheMisses:    newDesc("local_cache_misses_total", "Local cache misses", prometheus.CounterValue, "route"),
		cacheEvictions: newDesc("local_cache_evictions_total", "Local cache evictions", prometheus.CounterValue, "route"),
		cacheExpired:   newDesc("local_cache_expired_total", "Local cache entries dropped on expiry", prometheus.CounterValue, "route"),
		cacheBytes:     newDesc("local_cache_bytes", "Local cache size in bytes", prometheus.GaugeValue, "route"),
		cacheEntries:   newDesc("local_cache_entries", "Local cache entries", prometheus.GaugeValue, "route"),
		cacheMaxBytes:  newDesc("local_cache_limit_bytes", "Local cache byte limit", prometheus.GaugeValue, "route"),

		getHits:   newDesc("get_hits_total", "Keys found by get requests", prometheus.CounterValue, "route"),
		getMisses: newDesc("get_misses_total", "Keys missed by get requests", prometheus.CounterValue, "route"),
	}
}

func (c *snapshotCollector) all() []snapshotDesc {
	return []snapshotDesc{
		c.poolConns, c.poolMaxConns, c.poolCreated, c.poolDestroyed,
		c.poolAcquires, c.poolAcquireWaits, c.poolAcquireErrors, c.poolWaitSeconds,
		c.breakerState, c.breakerRequests, c.breakerFailures,
		c.cacheHits, c.cacheMisses, c.cacheEvictions, c.cacheExpired,
		c.cacheBytes, c.cacheEntries, c.cacheMaxBytes,
		c.getHits, c.getMisses,
	}
}

func (c *snapshotCollector) catalog() []Info {
	descs := c.all()
	infos := make([]Info, len(descs))
	for i, d := range descs {
		infos[i] = d.info
	}
	return infos
}

func (c *snapshotCollector) add(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, src)
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.all() {
		ch <- d.desc
	}
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	sources := append([]Source(nil), c.sources...)
	c.mu.Unlock()

	emit := func(d snapshotDesc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d.desc, d.valueType, v, labels...)
	}

	for _, src := range sources {
		route := src.Route

		if src.Endpoints != nil {
			for _, ep := range src.Endpoints() {
				p := ep.Pool
				emit(c.poolConns, float64(p.TotalConns), route, ep.Endpoint, "total")
				emit(c.poolConns, float64(p.ActiveConns), route, ep.Endpoint, "active")
				emit(c.poolConns, float64(p.IdleConns), route, ep.Endpoint, "idle")
				emit(c.poolMaxConns, float64(p.MaxConns), route, ep.Endpoint)
				emit(c.poolCreated, float64(p.CreatedConns), route, ep.Endpoint)
				emit(c.poolDestroyed, float64(p.DestroyedConns), route, ep.Endpoint)
				emit(c.poolAcquires, float64(p.AcquireCount), route, ep.Endpoint)
				emit(c.poolAcquireWaits, float64(p.AcquireWaitCount), route, ep.Endpoint)
				emit(c.poolAcquireErrors, float64(p.AcquireErrors), route, ep.Endpoint)
				emit(c.poolWaitSeconds, float64(p.AcquireWaitTimeNs)/1e9, route, ep.Endpoint)

				emit(c.breakerState, float64(ep.CircuitBreakerState), route, ep.Endpoint)
				emit(c.breakerRequests, float64(ep.CircuitBreakerCounts.Requests), route, ep.Endpoint)
				emit(c.breakerFailures, float64(ep.CircuitBreakerCounts.TotalFailures), route, ep.Endpoint, "total")
				emit(c.breakerFailures, float64(ep.CircuitBreakerCounts.ConsecutiveFailures), route, ep.Endpoint, "consecutive")
			}
		}

		if src.LocalCache != nil {
			s := src.LocalCache()
			emit(c.cacheHits, float64(s.Hits), route)
			emit(c.cacheMisses, float64(s.Misses), route)
			emit(c.cacheEvictions, float64(s.Evictions), route)
			emit(c.cacheExpired, float64(s.Expired), route)
			emit(c.cacheBytes, float64(s.Bytes), route)
			emit(c.cacheEntries, float64(s.Entries), route)
			emit(c.cacheMaxBytes, float64(s.MaxBytes), route)
		}

		if src.Stats != nil {
			s := src.Stats()
			emit(c.getHits, float64(s.GetHits), route)
			emit(c.getMisses, float64(s.GetMisses), route)
		}
	}
}
