// Package backend talks to the remote key-value cache service behind the
// proxy.
//
// The service is reached through sessions (Conn) that speak one backend kind.
// A Client owns one pool of sessions per configured endpoint, selects the
// endpoint by key and guards each endpoint with a circuit breaker.
package backend

import (
	"context"
	"time"
)

// MinTTL and MaxTTL bound every TTL handed to Conn.Set.
const (
	MinTTL = time.Second
	MaxTTL = 4_294_967 * time.Second
)

// Conn is one session to a backend endpoint. A Conn is used by a single
// goroutine at a time; the pool enforces that.
type Conn interface {
	// Get returns the stored bytes. found is false on a miss.
	Get(ctx context.Context, namespace string, key []byte) (value []byte, found bool, err error)

	// Set stores value with a TTL in [MinTTL, MaxTTL].
	Set(ctx context.Context, namespace string, key, value []byte, ttl time.Duration) error

	// Delete removes key and reports whether it existed. Kinds that cannot
	// tell report true.
	Delete(ctx context.Context, namespace string, key []byte) (existed bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens sessions to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}
