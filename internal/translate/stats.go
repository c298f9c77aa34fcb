package translate

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pior/cacheproxy/internal/wire"
)

const maxCommands = 64

// Stats counts what a route served. All methods are safe for concurrent use.
type Stats struct {
	started time.Time

	commands [maxCommands]atomic.Uint64

	getHits       atomic.Uint64
	getMisses     atomic.Uint64
	localHits     atomic.Uint64
	backendErrors atomic.Uint64
	clientErrors  atomic.Uint64

	currConnections  atomic.Int64
	totalConnections atomic.Uint64
}

func newStats() *Stats {
	return &Stats{started: time.Now()}
}

// ConnectionOpened and ConnectionClosed track client sessions.
func (s *Stats) ConnectionOpened() {
	s.currConnections.Add(1)
	s.totalConnections.Add(1)
}

func (s *Stats) ConnectionClosed() {
	s.currConnections.Add(-1)
}

func (s *Stats) recordCommand(cmd wire.Command) {
	if int(cmd) < maxCommands {
		s.commands[cmd].Add(1)
	}
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Uptime           time.Duration
	Commands         map[string]uint64
	GetHits          uint64
	GetMisses        uint64
	LocalHits        uint64
	BackendErrors    uint64
	ClientErrors     uint64
	CurrConnections  int64
	TotalConnections uint64
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Uptime:           time.Since(s.started),
		Commands:         map[string]uint64{},
		GetHits:          s.getHits.Load(),
		GetMisses:        s.getMisses.Load(),
		LocalHits:        s.localHits.Load(),
		BackendErrors:    s.backendErrors.Load(),
		ClientErrors:     s.clientErrors.Load(),
		CurrConnections:  s.currConnections.Load(),
		TotalConnections: s.totalConnections.Load(),
	}
	for i := range s.commands {
		if n := s.commands[i].Load(); n > 0 {
			snap.Commands[wire.Command(i).String()] = n
		}
	}
	return snap
}

// statsResponse renders the stats verb in memcached's naming.
func (t *Translator) statsResponse() *wire.Response {
	snap := t.stats.Snapshot()
	cache := t.cache.Stats()

	u := func(n uint64) string { return strconv.FormatUint(n, 10) }

	stats := []wire.Stat{
		{Name: "pid", Value: strconv.Itoa(os.Getpid())},
		{Name: "uptime", Value: strconv.FormatInt(int64(snap.Uptime/time.Second), 10)},
		{Name: "time", Value: strconv.FormatInt(t.cfg.Now().Unix(), 10)},
		{Name: "version", Value: t.cfg.Version},
		{Name: "route", Value: t.cfg.Route},
		{Name: "curr_connections", Value: strconv.FormatInt(snap.CurrConnections, 10)},
		{Name: "total_connections", Value: u(snap.TotalConnections)},
	}
	for i := range maxCommands {
		cmd := wire.Command(i)
		if n, ok := snap.Commands[cmd.String()]; ok {
			stats = append(stats, wire.Stat{Name: "cmd_" + cmd.String(), Value: u(n)})
		}
	}
	stats = append(stats,
		wire.Stat{Name: "get_hits", Value: u(snap.GetHits)},
		wire.Stat{Name: "get_misses", Value: u(snap.GetMisses)},
		wire.Stat{Name: "backend_errors", Value: u(snap.BackendErrors)},
		wire.Stat{Name: "client_errors", Value: u(snap.ClientErrors)},
		wire.Stat{Name: "local_cache_hits", Value: u(cache.Hits)},
		wire.Stat{Name: "local_cache_misses", Value: u(cache.Misses)},
		wire.Stat{Name: "local_cache_evictions", Value: u(cache.Evictions)},
		wire.Stat{Name: "local_cache_bytes", Value: strconv.FormatInt(cache.Bytes, 10)},
		wire.Stat{Name: "local_cache_items", Value: strconv.Itoa(cache.Entries)},
		wire.Stat{Name: "local_cache_limit_bytes", Value: strconv.FormatInt(cache.MaxBytes, 10)},
	)
	if t.cfg.ExtraStats != nil {
		stats = append(stats, t.cfg.ExtraStats()...)
	}

	return &wire.Response{Kind: wire.KindStats, Stats: stats}
}
