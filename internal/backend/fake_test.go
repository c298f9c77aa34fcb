package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeStore is the shared state behind fake sessions.
type fakeStore struct {
	mu    sync.Mutex
	items map[string][]byte
	ttls  map[string]time.Duration

	dials    atomic.Int32
	dialErr  error
	callErr  error // returned by every call while set
	pingErr  error
	callWait time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (s *fakeStore) setCallErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callErr = err
}

func (s *fakeStore) dialer() Dialer {
	return DialFunc(func(ctx context.Context, endpoint string) (Conn, error) {
		s.dials.Add(1)
		if s.dialErr != nil {
			return nil, s.dialErr
		}
		return &fakeConn{store: s, endpoint: endpoint}, nil
	})
}

type fakeConn struct {
	store    *fakeStore
	endpoint string
	closed   atomic.Bool
}

func (c *fakeConn) wait(ctx context.Context) error {
	c.store.mu.Lock()
	d, err := c.store.callWait, c.store.callErr
	c.store.mu.Unlock()

	if c.closed.Load() {
		return errors.New("use of closed session")
	}
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *fakeConn) Get(ctx context.Context, namespace string, key []byte) ([]byte, bool, error) {
	if err := c.wait(ctx); err != nil {
		return nil, false, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	v, ok := c.store.items[namespace+":"+string(key)]
	return v, ok, nil
}

func (c *fakeConn) Set(ctx context.Context, namespace string, key, value []byte, ttl time.Duration) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.items[namespace+":"+string(key)] = append([]byte(nil), value...)
	c.store.ttls[namespace+":"+string(key)] = ttl
	return nil
}

func (c *fakeConn) Delete(ctx context.Context, namespace string, key []byte) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	k := namespace + ":" + string(key)
	_, ok := c.store.items[k]
	delete(c.store.items, k)
	return ok, nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("use of closed session")
	}
	return c.store.pingErr
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}
