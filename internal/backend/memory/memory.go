// Package memory is an in-process backend, for development and tests.
//
// A Store plays the role of the remote service: every session dialled from
// it sees the same namespaced data. Besides plain values it stores hashes,
// lists, sets and sorted sets, so sessions implement backend.Collections.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"

	"github.com/pior/cacheproxy/internal/backend"
)

// Options tune a Store. The zero value accepts any namespace and value size.
type Options struct {
	// Namespaces, when set, lists the only namespaces that exist. Calls on
	// any other namespace fail with backend.KindNamespaceNotFound.
	Namespaces []string

	// MaxValueSize rejects larger values with backend.KindTooLarge.
	MaxValueSize int

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

type valueKind uint8

const (
	kindString valueKind = iota
	kindHash
	kindList
	kindSet
	kindSortedSet
)

// item is one key. Only the field matching kind is set.
type item struct {
	kind     valueKind
	value    []byte
	hash     *hashValue
	list     *deque.Deque[[]byte]
	set      map[string]struct{}
	zset     map[string]float64
	expireAt time.Time
}

type Store struct {
	opts       Options
	namespaces map[string]bool

	mu    sync.Mutex
	items map[string]map[string]*item
}

func NewStore(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{opts: opts, items: map[string]map[string]*item{}}
	if len(opts.Namespaces) > 0 {
		s.namespaces = map[string]bool{}
		for _, ns := range opts.Namespaces {
			s.namespaces[ns] = true
		}
	}
	return s
}

// Dialer returns a dialer whose sessions all use s, whatever the endpoint.
func (s *Store) Dialer() backend.Dialer {
	return backend.DialFunc(func(ctx context.Context, endpoint string) (backend.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &conn{store: s, endpoint: endpoint}, nil
	})
}

// Len returns the number of live items in namespace.
func (s *Store) Len(namespace string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	n := 0
	for _, it := range s.items[namespace] {
		if now.Before(it.expireAt) {
			n++
		}
	}
	return n
}

// TTL returns the remaining lifetime of key, or 0 when it is missing.
func (s *Store) TTL(namespace string, key []byte) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(namespace, key)
	if !ok {
		return 0
	}
	return it.expireAt.Sub(s.opts.Now())
}

func (s *Store) lookup(namespace string, key []byte) (*item, bool) {
	it, ok := s.items[namespace][string(key)]
	if !ok {
		return nil, false
	}
	if !s.opts.Now().Before(it.expireAt) {
		delete(s.items[namespace], string(key))
		return nil, false
	}
	return it, true
}

func (s *Store) store(namespace string, key []byte, it *item) {
	ns, ok := s.items[namespace]
	if !ok {
		ns = map[string]*item{}
		s.items[namespace] = ns
	}
	ns[string(key)] = it
}

func (s *Store) checkSize(op string, values ...[]byte) error {
	limit := s.opts.MaxValueSize
	if limit <= 0 {
		return nil
	}
	for _, v := range values {
		if len(v) > limit {
			return &backend.Error{Kind: backend.KindTooLarge, Op: op, Err: fmt.Errorf("value of %d bytes exceeds %d", len(v), limit)}
		}
	}
	return nil
}

func (s *Store) checkNamespace(op, namespace string) error {
	if s.namespaces != nil && !s.namespaces[namespace] {
		return &backend.Error{Kind: backend.KindNamespaceNotFound, Op: op, Err: fmt.Errorf("namespace %q not found", namespace)}
	}
	return nil
}

type conn struct {
	store    *Store
	endpoint string
	closed   bool
}

var errClosed = errors.New("memory: session closed")

func (c *conn) check(ctx context.Context, op, namespace string) error {
	if c.closed {
		return &backend.Error{Kind: backend.KindTransport, Op: op, Endpoint: c.endpoint, Err: errClosed}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.store.checkNamespace(op, namespace)
}

func (c *conn) Get(ctx context.Context, namespace string, key []byte) ([]byte, bool, error) {
	if err := c.check(ctx, "get", namespace); err != nil {
		return nil, false, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	it, ok := c.store.lookup(namespace, key)
	if !ok {
		return nil, false, nil
	}
	if it.kind != kindString {
		return nil, false, wrongType("get")
	}
	return append([]byte(nil), it.value...), true, nil
}

func (c *conn) Set(ctx context.Context, namespace string, key, value []byte, ttl time.Duration) error {
	if err := c.check(ctx, "set", namespace); err != nil {
		return err
	}
	if err := c.store.checkSize("set", value); err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	c.store.store(namespace, key, &item{
		value:    append([]byte(nil), value...),
		expireAt: c.store.opts.Now().Add(ttl),
	})
	return nil
}

func (c *conn) Delete(ctx context.Context, namespace string, key []byte) (bool, error) {
	if err := c.check(ctx, "delete", namespace); err != nil {
		return false, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	_, ok := c.store.lookup(namespace, key)
	delete(c.store.items[namespace], string(key))
	return ok, nil
}

func (c *conn) Ping(ctx context.Context) error {
	if c.closed {
		return errClosed
	}
	return ctx.Err()
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}
