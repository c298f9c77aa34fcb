package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pior/cacheproxy/internal/admin"
	"github.com/pior/cacheproxy/internal/backend"
	"github.com/pior/cacheproxy/internal/backend/memcached"
	"github.com/pior/cacheproxy/internal/backend/memory"
	"github.com/pior/cacheproxy/internal/backend/redis"
	"github.com/pior/cacheproxy/internal/config"
	"github.com/pior/cacheproxy/internal/localcache"
	"github.com/pior/cacheproxy/internal/metrics"
	"github.com/pior/cacheproxy/internal/tracing"
	"github.com/pior/cacheproxy/internal/translate"
	"github.com/pior/cacheproxy/internal/wire"
	"github.com/pior/cacheproxy/internal/wire/memcache"
	"github.com/pior/cacheproxy/internal/wire/resp"
)

// Options are the process-level dependencies of a Proxy.
type Options struct {
	Version string

	// Metrics defaults to a fresh registry.
	Metrics *metrics.Metrics

	// Dialer replaces the dialer selected by the backend kind.
	Dialer backend.Dialer

	Logger *slog.Logger
}

type route struct {
	cfg        config.Route
	client     *backend.Client
	cache      *localcache.Cache
	translator *translate.Translator
	listener   *Listener
}

// Proxy runs every configured route and the admin endpoint.
type Proxy struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   *memory.Store

	routes []*route
	admin  *admin.Server

	stopping atomic.Bool
}

// New builds the backend client, local cache, translator and listener of
// every route, then binds the admin endpoint. Bind failures are returned.
func New(cfg *config.Config, opts Options) (*Proxy, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	p := &Proxy{
		cfg:     cfg,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if cfg.Backend.Kind == config.BackendMemory {
		p.store = memory.NewStore(memory.Options{})
	}

	for _, rc := range cfg.Routes {
		r, err := p.buildRoute(rc)
		if err != nil {
			p.closeRoutes()
			return nil, fmt.Errorf("cache %s: %w", rc.Name, err)
		}
		p.routes = append(p.routes, r)
	}

	if cfg.Admin.Enabled {
		srv, err := admin.Listen(cfg.Admin.Addr(), admin.Options{
			Metrics: p.metrics.Handler(),
			Health:  p.Health,
			Vars:    func() any { return p.Vars() },
			Logger:  p.logger,
		})
		if err != nil {
			p.closeRoutes()
			return nil, err
		}
		p.admin = srv
	}

	return p, nil
}

func (p *Proxy) buildRoute(rc config.Route) (*route, error) {
	logger := p.logger.With("route", rc.Name)
	routeMetrics := p.metrics.Route(rc.Name)

	dialer, err := p.dialer(rc)
	if err != nil {
		return nil, err
	}

	newPool := backend.NewPuddlePool
	if p.cfg.Backend.Pool == config.PoolChannel {
		newPool = backend.NewChannelPool
	}

	endpoints := p.cfg.Backend.Endpoints
	if len(endpoints) == 0 && p.cfg.Backend.Kind == config.BackendMemory {
		endpoints = []string{"memory"}
	}

	client, err := backend.NewClient(backend.ClientConfig{
		Endpoints:           endpoints,
		Dialer:              dialer,
		PoolSize:            int32(rc.ConnectionCount),
		NewPool:             newPool,
		CallTimeout:         p.cfg.Backend.CallTimeout(),
		HealthCheckInterval: p.cfg.Backend.HealthCheckInterval(),
		MaxConnLifetime:     p.cfg.Backend.MaxConnLifetime(),
		Breaker: backend.BreakerConfig{
			MaxRequests: p.cfg.Backend.Breaker.MaxRequests,
			Interval:    time.Duration(p.cfg.Backend.Breaker.IntervalSeconds) * time.Second,
			Timeout:     time.Duration(p.cfg.Backend.Breaker.TimeoutSeconds) * time.Second,
		},
		Logger:   logger,
		Tracer:   tracing.Tracer(),
		Observer: routeMetrics,
	})
	if err != nil {
		return nil, err
	}

	cache := localcache.New(localcache.Config{
		MaxBytes: rc.MemoryCacheBytes,
		TTL:      rc.MemoryCacheTTL(),
	})

	translator := translate.New(translate.Config{
		Route:       rc.Name,
		Namespace:   rc.CacheName,
		DefaultTTL:  rc.TTL(),
		Flags:       rc.FlagsEnabled(),
		Concurrency: rc.ConnectionCount,
		Version:     p.opts.Version,
		ExtraStats:  func() []wire.Stat { return backendStats(client) },
		Logger:      logger,
	}, client, cache)

	var tlsConfig *tls.Config
	if rc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(rc.TLSCert, rc.TLSKey)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	newCodec := func() wire.Codec { return memcache.NewCodec(rc.MaxRequestBytes) }
	if rc.Protocol == config.ProtocolResp {
		newCodec = func() wire.Codec { return resp.NewCodec(rc.MaxRequestBytes) }
	}

	listener, err := Listen(ListenerConfig{
		Addr:           rc.Addr(),
		TLS:            tlsConfig,
		MaxConnections: p.cfg.Proxy.MaxConnections,
		Logger:         logger,
		Session: &SessionConfig{
			Route:           rc.Name,
			NewCodec:        newCodec,
			Handler:         translator,
			Events:          routeEvents{stats: translator.Stats(), metrics: routeMetrics},
			BufferSize:      rc.BufferSize,
			MaxRequestBytes: rc.MaxRequestBytes,
			MaxInflight:     rc.MaxInflight,
			Logger:          logger,
		},
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	p.metrics.AddSource(metrics.Source{
		Route:      rc.Name,
		Endpoints:  client.Stats,
		LocalCache: cache.Stats,
		Stats:      translator.Stats().Snapshot,
	})

	return &route{cfg: rc, client: client, cache: cache, translator: translator, listener: listener}, nil
}

func (p *Proxy) dialer(rc config.Route) (backend.Dialer, error) {
	if p.opts.Dialer != nil {
		return p.opts.Dialer, nil
	}

	b := p.cfg.Backend
	var tlsConfig *tls.Config
	if b.TLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	switch b.Kind {
	case config.BackendMemcached:
		return memcached.NewDialer(memcached.DialerConfig{
			DialTimeout: b.DialTimeout(),
			TLS:         tlsConfig,
			BufferSize:  rc.BufferSize,
		}), nil
	case config.BackendRedis:
		return redis.NewDialer(redis.DialerConfig{
			Username:    b.Username,
			Password:    b.AuthToken(),
			DB:          b.DB,
			DialTimeout: b.DialTimeout(),
			TLS:         tlsConfig,
		}), nil
	case config.BackendMemory:
		return p.store.Dialer(), nil
	}
	return nil, fmt.Errorf("unknown backend kind %q", b.Kind)
}

// backendStats renders pool figures for the stats verb.
func backendStats(client *backend.Client) []wire.Stat {
	var total, active, idle, open int32
	endpoints := client.Stats()
	for _, ep := range endpoints {
		total += ep.Pool.TotalConns
		active += ep.Pool.ActiveConns
		idle += ep.Pool.IdleConns
		if ep.CircuitBreakerState == gobreaker.StateOpen {
			open++
		}
	}
	calls := client.CallStats()

	i32 := func(n int32) string { return strconv.FormatInt(int64(n), 10) }
	u64 := func(n uint64) string { return strconv.FormatUint(n, 10) }
	return []wire.Stat{
		{Name: "backend_endpoints", Value: strconv.Itoa(len(endpoints))},
		{Name: "backend_conns_total", Value: i32(total)},
		{Name: "backend_conns_active", Value: i32(active)},
		{Name: "backend_conns_idle", Value: i32(idle)},
		{Name: "backend_breakers_open", Value: i32(open)},
		{Name: "backend_gets", Value: u64(calls.Gets)},
		{Name: "backend_sets", Value: u64(calls.Sets)},
		{Name: "backend_deletes", Value: u64(calls.Deletes)},
		{Name: "backend_collection_calls", Value: u64(calls.Collections)},
		{Name: "backend_call_errors", Value: u64(calls.Errors)},
	}
}

// Addr returns the listen address of a route, for tests and logs.
func (p *Proxy) Addr(name string) net.Addr {
	for _, r := range p.routes {
		if r.cfg.Name == name {
			return r.listener.Addr()
		}
	}
	return nil
}

// AdminAddr returns the admin endpoint address, or nil when disabled.
func (p *Proxy) AdminAddr() net.Addr {
	if p.admin == nil {
		return nil
	}
	return p.admin.Addr()
}

// Run serves until ctx is cancelled or a listener fails, then shuts down in
// reverse build order.
func (p *Proxy) Run(ctx context.Context) error {
	if p.cfg.Proxy.Threads > 0 {
		runtime.GOMAXPROCS(p.cfg.Proxy.Threads)
	}

	for _, r := range p.routes {
		r.client.Warm(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range p.routes {
		g.Go(func() error {
			return r.listener.Serve(gctx)
		})
	}
	if p.admin != nil {
		g.Go(p.admin.Serve)
	}
	g.Go(func() error {
		<-gctx.Done()
		return p.shutdown()
	})

	p.logger.Info("proxy started", "routes", len(p.routes), "version", p.opts.Version)
	return g.Wait()
}

func (p *Proxy) shutdown() error {
	p.stopping.Store(true)
	p.logger.Info("shutting down")

	var errs []error
	if p.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		errs = append(errs, p.admin.Shutdown(ctx))
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Proxy.DrainTimeout())
	defer cancel()

	g := errgroup.Group{}
	for _, r := range p.routes {
		g.Go(func() error {
			return r.listener.Shutdown(ctx)
		})
	}
	errs = append(errs, g.Wait())

	for i := len(p.routes) - 1; i >= 0; i-- {
		p.routes[i].client.Close()
	}

	p.logger.Info("proxy stopped")
	return errors.Join(errs...)
}

// closeRoutes releases what New built when it fails halfway.
func (p *Proxy) closeRoutes() {
	for _, r := range p.routes {
		r.listener.Shutdown(context.Background())
		r.client.Close()
	}
}

// Health reports whether the proxy serves traffic.
func (p *Proxy) Health() error {
	if p.stopping.Load() {
		return errors.New("shutting down")
	}
	return nil
}

// RouteVars is the /vars view of one route.
type RouteVars struct {
	Listen     string                  `json:"listen"`
	Protocol   string                  `json:"protocol"`
	Namespace  string                  `json:"namespace"`
	Stats      translate.Snapshot      `json:"stats"`
	Calls      backend.ClientStats     `json:"backend_calls"`
	Endpoints  []backend.EndpointStats `json:"endpoints"`
	LocalCache localcache.Stats        `json:"local_cache"`
	Sessions   int                     `json:"sessions"`
}

// Vars snapshots every route.
func (p *Proxy) Vars() map[string]RouteVars {
	vars := make(map[string]RouteVars, len(p.routes))
	for _, r := range p.routes {
		vars[r.cfg.Name] = RouteVars{
			Listen:     r.listener.Addr().String(),
			Protocol:   r.cfg.Protocol,
			Namespace:  r.cfg.CacheName,
			Stats:      r.translator.Stats().Snapshot(),
			Calls:      r.client.CallStats(),
			Endpoints:  r.client.Stats(),
			LocalCache: r.cache.Stats(),
			Sessions:   r.listener.Sessions(),
		}
	}
	return vars
}

// routeEvents feeds both the stats verb and Prometheus.
type routeEvents struct {
	stats   *translate.Stats
	metrics *metrics.RouteMetrics
}

func (e routeEvents) ConnectionOpened() {
	e.stats.ConnectionOpened()
	e.metrics.ConnectionOpened()
}

func (e routeEvents) ConnectionClosed() {
	e.stats.ConnectionClosed()
	e.metrics.ConnectionClosed()
}

func (e routeEvents) RequestDone(cmd wire.Command, resp *wire.Response, d time.Duration) {
	e.metrics.RequestDone(cmd, resp, d)
}
