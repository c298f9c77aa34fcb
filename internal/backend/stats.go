package backend

import (
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

// PoolStats is a snapshot of a session pool.
//
// For Prometheus:
//   - Gauges: TotalConns, IdleConns, ActiveConns, MaxConns
//   - Counters: AcquireCount, AcquireWaitCount, CreatedConns, DestroyedConns, AcquireErrors, AcquireWaitTimeNs
type PoolStats struct {
	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total sessions created
	DestroyedConns    uint64 // Total sessions destroyed
	AcquireErrors     uint64 // Failed acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	TotalConns  int32 // Sessions in the pool (active + idle)
	IdleConns   int32
	ActiveConns int32
	MaxConns    int32
}

// EndpointStats describes one endpoint of a Client.
type EndpointStats struct {
	Endpoint             string
	Pool                 PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

// ClientStats counts calls made through a Client.
type ClientStats struct {
	Gets    uint64
	GetHits uint64
	Sets    uint64
	Deletes uint64
	// Collections counts hash, list, set and sorted set calls.
	Collections uint64
	Errors      uint64
}

type poolStatsCollector struct {
	maxConns int32

	acquireCount      atomic.Uint64
	acquireWaitCount  atomic.Uint64
	createdConns      atomic.Uint64
	destroyedConns    atomic.Uint64
	acquireErrors     atomic.Uint64
	acquireWaitTimeNs atomic.Uint64

	totalConns  atomic.Int32
	idleConns   atomic.Int32
	activeConns atomic.Int32
}

func newPoolStatsCollector(maxConns int32) *poolStatsCollector {
	return &poolStatsCollector{maxConns: maxConns}
}

func (c *poolStatsCollector) recordAcquire() {
	c.acquireCount.Add(1)
}

func (c *poolStatsCollector) recordAcquireWait(d time.Duration) {
	c.acquireWaitCount.Add(1)
	c.acquireWaitTimeNs.Add(uint64(d.Nanoseconds()))
}

func (c *poolStatsCollector) recordAcquireError() {
	c.acquireErrors.Add(1)
}

func (c *poolStatsCollector) recordCreate() {
	c.createdConns.Add(1)
	c.totalConns.Add(1)
}

func (c *poolStatsCollector) recordDestroy() {
	c.destroyedConns.Add(1)
	c.totalConns.Add(-1)
}

// recordIdleDestroy is a destroy of a session that sat idle.
func (c *poolStatsCollector) recordIdleDestroy() {
	c.idleConns.Add(-1)
	c.recordDestroy()
}

func (c *poolStatsCollector) recordActivate() {
	c.activeConns.Add(1)
}

func (c *poolStatsCollector) recordDeactivate() {
	c.activeConns.Add(-1)
}

func (c *poolStatsCollector) recordAcquireFromIdle() {
	c.idleConns.Add(-1)
	c.activeConns.Add(1)
}

func (c *poolStatsCollector) recordIdle() {
	c.idleConns.Add(1)
}

func (c *poolStatsCollector) snapshot() PoolStats {
	return PoolStats{
		AcquireCount:      c.acquireCount.Load(),
		AcquireWaitCount:  c.acquireWaitCount.Load(),
		CreatedConns:      c.createdConns.Load(),
		DestroyedConns:    c.destroyedConns.Load(),
		AcquireErrors:     c.acquireErrors.Load(),
		AcquireWaitTimeNs: c.acquireWaitTimeNs.Load(),
		TotalConns:        c.totalConns.Load(),
		IdleConns:         c.idleConns.Load(),
		ActiveConns:       c.activeConns.Load(),
		MaxConns:          c.maxConns,
	}
}

type clientStatsCollector struct {
	gets        atomic.Uint64
	getHits     atomic.Uint64
	sets        atomic.Uint64
	deletes     atomic.Uint64
	collections atomic.Uint64
	errors      atomic.Uint64
}

func (c *clientStatsCollector) recordGet(found bool) {
	c.gets.Add(1)
	if found {
		c.getHits.Add(1)
	}
}

func (c *clientStatsCollector) recordSet()        { c.sets.Add(1) }
func (c *clientStatsCollector) recordDelete()     { c.deletes.Add(1) }
func (c *clientStatsCollector) recordCollection() { c.collections.Add(1) }
func (c *clientStatsCollector) recordError()      { c.errors.Add(1) }

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Gets:        c.gets.Load(),
		GetHits:     c.getHits.Load(),
		Sets:        c.sets.Load(),
		Deletes:     c.deletes.Load(),
		Collections: c.collections.Load(),
		Errors:      c.errors.Load(),
	}
}
