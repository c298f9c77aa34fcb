package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const DefaultCallTimeout = 200 * time.Millisecond

// Observer is notified of every backend call, for metrics.
type Observer interface {
	ObserveCall(op, endpoint string, d time.Duration, err error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Endpoints are the backend addresses. Required.
	Endpoints []string

	// Dialer opens sessions. Required.
	Dialer Dialer

	// PoolSize is the number of sessions per endpoint. Required: must be > 0.
	PoolSize int32

	// NewPool builds the per-endpoint pool. Defaults to NewPuddlePool.
	NewPool PoolFactory

	// Select maps a key to an endpoint. Defaults to JumpSelect.
	Select SelectFunc

	// CallTimeout bounds each call, including the wait for a session.
	// Defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// HealthCheckInterval is how often idle sessions are pinged.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// MaxConnLifetime recycles sessions older than this during health checks.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	Breaker BreakerConfig

	Logger   *slog.Logger
	Tracer   trace.Tracer
	Observer Observer
}

type endpointPool struct {
	endpoint string
	pool     Pool
	breaker  *gobreaker.CircuitBreaker[struct{}]
}

// Client performs namespaced Get, Set and Delete calls against the backend.
// It is safe for concurrent use.
type Client struct {
	cfg       ClientConfig
	endpoints []*endpointPool

	stopHealthCheck chan struct{}
	wg              sync.WaitGroup
	closeOnce       sync.Once

	stats clientStatsCollector
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if cfg.Dialer == nil {
		return nil, errors.New("backend: dialer is required")
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("backend: invalid pool size %d", cfg.PoolSize)
	}
	if cfg.NewPool == nil {
		cfg.NewPool = NewPuddlePool
	}
	if cfg.Select == nil {
		cfg.Select = JumpSelect
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}

	c := &Client{
		cfg:             cfg,
		stopHealthCheck: make(chan struct{}),
	}

	for _, endpoint := range cfg.Endpoints {
		constructor := func(ctx context.Context) (Conn, error) {
			return cfg.Dialer.Dial(ctx, endpoint)
		}

		pool, err := cfg.NewPool(constructor, cfg.PoolSize)
		if err != nil {
			c.closePools()
			return nil, fmt.Errorf("backend: create pool for %s: %w", endpoint, err)
		}

		c.endpoints = append(c.endpoints, &endpointPool{
			endpoint: endpoint,
			pool:     pool,
			breaker:  newCircuitBreaker(endpoint, cfg.Breaker),
		})
	}

	if cfg.HealthCheckInterval > 0 {
		c.wg.Add(1)
		go c.healthCheckLoop()
	}

	return c, nil
}

// Warm opens every session of every pool. Failures are logged and the
// sessions are dialled again on demand.
func (c *Client) Warm(ctx context.Context) {
	for _, ep := range c.endpoints {
		var held []Resource
		for range c.cfg.PoolSize {
			dialCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout*5)
			res, err := ep.pool.Acquire(dialCtx)
			cancel()
			if err != nil {
				c.cfg.Logger.Warn("backend warm-up failed", "endpoint", ep.endpoint, "error", err)
				break
			}
			held = append(held, res)
		}
		for _, res := range held {
			res.ReleaseUnused()
		}
		c.cfg.Logger.Debug("backend warmed", "endpoint", ep.endpoint, "sessions", len(held))
	}
}

func (c *Client) Get(ctx context.Context, namespace string, key []byte) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := c.call(ctx, "get", key, func(ctx context.Context, conn Conn) error {
		var err error
		value, found, err = conn.Get(ctx, namespace, key)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	c.stats.recordGet(found)
	return value, found, nil
}

func (c *Client) Set(ctx context.Context, namespace string, key, value []byte, ttl time.Duration) error {
	if ttl < MinTTL || ttl > MaxTTL {
		return &Error{Kind: KindInvalidArgument, Op: "set", Err: fmt.Errorf("ttl %s out of range", ttl)}
	}

	err := c.call(ctx, "set", key, func(ctx context.Context, conn Conn) error {
		return conn.Set(ctx, namespace, key, value, ttl)
	})
	if err != nil {
		return err
	}

	c.stats.recordSet()
	return nil
}

func (c *Client) Delete(ctx context.Context, namespace string, key []byte) (bool, error) {
	var existed bool
	err := c.call(ctx, "delete", key, func(ctx context.Context, conn Conn) error {
		var err error
		existed, err = conn.Delete(ctx, namespace, key)
		return err
	})
	if err != nil {
		return false, err
	}

	c.stats.recordDelete()
	return existed, nil
}

// call runs fn on a session of the endpoint owning key, under the call
// timeout, the endpoint breaker and a trace span.
func (c *Client) call(ctx context.Context, op string, key []byte, fn func(context.Context, Conn) error) error {
	ep := c.endpoints[c.cfg.Select(key, len(c.endpoints))]

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	ctx, span := c.cfg.Tracer.Start(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("backend.endpoint", ep.endpoint)),
	)
	defer span.End()

	start := time.Now()
	err := ep.execute(ctx, fn)
	if err != nil {
		err = NewError(KindOf(err), op, ep.endpoint, err)
		c.stats.recordError()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.cfg.Logger.Debug("backend call failed", "op", op, "endpoint", ep.endpoint, "error", err)
	}

	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveCall(op, ep.endpoint, time.Since(start), err)
	}
	return err
}

func (ep *endpointPool) execute(ctx context.Context, fn func(context.Context, Conn) error) error {
	if ep.breaker == nil {
		return ep.executeDirect(ctx, fn)
	}

	_, err := ep.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, ep.executeDirect(ctx, fn)
	})
	return err
}

func (ep *endpointPool) executeDirect(ctx context.Context, fn func(context.Context, Conn) error) error {
	resource, err := ep.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx, resource.Value())
	if err != nil && ShouldCloseConnection(err) {
		resource.Destroy()
	} else {
		resource.Release()
	}
	return err
}

func (c *Client) healthCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealthCheck:
			return
		case <-ticker.C:
			for _, ep := range c.endpoints {
				c.checkPool(ep)
			}
		}
	}
}

// checkPool pings every idle session and destroys the dead or expired ones.
func (c *Client) checkPool(ep *endpointPool) {
	now := time.Now()

	for _, res := range ep.pool.AcquireAllIdle() {
		if c.cfg.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > c.cfg.MaxConnLifetime {
			res.Destroy()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		err := res.Value().Ping(ctx)
		cancel()
		if err != nil {
			c.cfg.Logger.Debug("backend health check failed", "endpoint", ep.endpoint, "error", err)
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

// Stats returns a snapshot of every endpoint.
func (c *Client) Stats() []EndpointStats {
	stats := make([]EndpointStats, len(c.endpoints))
	for i, ep := range c.endpoints {
		stats[i] = EndpointStats{
			Endpoint: ep.endpoint,
			Pool:     ep.pool.Stats(),
		}
		if ep.breaker != nil {
			stats[i].CircuitBreakerState = ep.breaker.State()
			stats[i].CircuitBreakerCounts = ep.breaker.Counts()
		}
	}
	return stats
}

func (c *Client) CallStats() ClientStats {
	return c.stats.snapshot()
}

// Close stops the health checks and closes every pool.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stopHealthCheck)
		c.wg.Wait()
		c.closePools()
	})
}

func (c *Client) closePools() {
	for _, ep := range c.endpoints {
		ep.pool.Close()
	}
}
