// Package redis is the backend kind that stores data in Redis.
//
// Each pooled session owns a go-redis client restricted to one connection,
// so the backend pool stays the single place that bounds concurrency.
// Namespaces are key prefixes.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pior/cacheproxy/internal/backend"
)

// DialerConfig configures sessions to Redis servers.
type DialerConfig struct {
	Username string
	Password string
	DB       int

	DialTimeout time.Duration
	TLS         *tls.Config
}

// NewDialer returns a backend.Dialer opening Redis sessions. Each session is
// verified with PING, which also checks the credentials.
func NewDialer(cfg DialerConfig) backend.Dialer {
	return backend.DialFunc(func(ctx context.Context, endpoint string) (backend.Conn, error) {
		client := redis.NewClient(&redis.Options{
			Addr:                  endpoint,
			Username:              cfg.Username,
			Password:              cfg.Password,
			DB:                    cfg.DB,
			DialTimeout:           cfg.DialTimeout,
			TLSConfig:             cfg.TLS,
			PoolSize:              1,
			MaxIdleConns:          1,
			MaxRetries:            -1,
			ContextTimeoutEnabled: true,
		})

		s := &Session{client: client, endpoint: endpoint}
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, backend.NewError(backend.KindTransport, "dial", endpoint, err)
		}
		return s, nil
	})
}

// Session is one Redis connection.
type Session struct {
	client   *redis.Client
	endpoint string
}

var _ backend.Conn = (*Session)(nil)

func (s *Session) Get(ctx context.Context, namespace string, key []byte) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, namespacedKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap("get", err)
	}
	return value, true, nil
}

func (s *Session) Set(ctx context.Context, namespace string, key, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, namespacedKey(namespace, key), value, ttl).Err(); err != nil {
		return s.wrap("set", err)
	}
	return nil
}

func (s *Session) Delete(ctx context.Context, namespace string, key []byte) (bool, error) {
	n, err := s.client.Del(ctx, namespacedKey(namespace, key)).Result()
	if err != nil {
		return false, s.wrap("delete", err)
	}
	return n > 0, nil
}

func (s *Session) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

func (s *Session) Close() error {
	return s.client.Close()
}

func (s *Session) wrap(op string, err error) error {
	return &backend.Error{Kind: classify(err), Op: op, Endpoint: s.endpoint, Err: err}
}

// classify maps Redis error replies by their prefix. Anything that is not a
// server reply is a transport failure.
func classify(err error) backend.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return backend.KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return backend.KindTimeout
	}

	var reply redis.Error
	if !errors.As(err, &reply) {
		return backend.KindTransport
	}

	msg := reply.Error()
	switch {
	case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOPERM"):
		return backend.KindUnauthenticated
	case strings.HasPrefix(msg, "OOM"):
		return backend.KindResourceExhausted
	case strings.HasPrefix(msg, "BUSY"), strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "TRYAGAIN"):
		return backend.KindRateLimited
	case strings.Contains(msg, "max number of clients"):
		return backend.KindRateLimited
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return backend.KindWrongType
	case strings.Contains(msg, "not an integer"), strings.Contains(msg, "not a valid float"),
		strings.Contains(msg, "overflow"), strings.Contains(msg, "out of range"):
		return backend.KindInvalidArgument
	}
	return backend.KindInternal
}

func namespacedKey(namespace string, key []byte) string {
	return namespace + ":" + string(key)
}
