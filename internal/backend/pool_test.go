package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var poolFactories = map[string]PoolFactory{
	"puddle":  NewPuddlePool,
	"channel": NewChannelPool,
}

func constructorFor(store *fakeStore) func(ctx context.Context) (Conn, error) {
	d := store.dialer()
	return func(ctx context.Context) (Conn, error) {
		return d.Dial(ctx, "fake:1")
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			pool, err := factory(constructorFor(store), 2)
			require.NoError(t, err)
			defer pool.Close()

			res, err := pool.Acquire(context.Background())
			require.NoError(t, err)
			require.NotNil(t, res.Value())
			res.Release()

			// The released session is reused.
			res, err = pool.Acquire(context.Background())
			require.NoError(t, err)
			res.Release()
			assert.Equal(t, int32(1), store.dials.Load())

			stats := pool.Stats()
			assert.Equal(t, int32(1), stats.TotalConns)
			assert.Equal(t, int32(1), stats.IdleConns)
			assert.Equal(t, int32(0), stats.ActiveConns)
			assert.Equal(t, uint64(1), stats.CreatedConns)
			assert.Equal(t, uint64(2), stats.AcquireCount)
		})
	}
}

func TestPool_MaxSizeBlocks(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			pool, err := factory(constructorFor(newFakeStore()), 1)
			require.NoError(t, err)
			defer pool.Close()

			res, err := pool.Acquire(context.Background())
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err = pool.Acquire(ctx)
			require.ErrorIs(t, err, context.DeadlineExceeded)

			done := make(chan Resource)
			go func() {
				r, err := pool.Acquire(context.Background())
				if err == nil {
					done <- r
				}
			}()

			res.Release()
			select {
			case r := <-done:
				r.Release()
			case <-time.After(time.Second):
				t.Fatal("waiter was not served after release")
			}
		})
	}
}

func TestPool_DestroyRecreates(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			pool, err := factory(constructorFor(store), 1)
			require.NoError(t, err)
			defer pool.Close()

			res, err := pool.Acquire(context.Background())
			require.NoError(t, err)
			conn := res.Value().(*fakeConn)
			res.Destroy()

			// puddle destroys in the background.
			require.Eventually(t, func() bool {
				return conn.closed.Load() && pool.Stats().TotalConns == 0
			}, time.Second, time.Millisecond)

			res, err = pool.Acquire(context.Background())
			require.NoError(t, err)
			assert.NotSame(t, conn, res.Value())
			res.Release()

			assert.Equal(t, int32(2), store.dials.Load())
			stats := pool.Stats()
			assert.Equal(t, uint64(2), stats.CreatedConns)
			assert.Equal(t, uint64(1), stats.DestroyedConns)
			assert.Equal(t, int32(1), stats.TotalConns)
		})
	}
}

func TestPool_ConstructorError(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			store.dialErr = errors.New("connection refused")
			pool, err := factory(constructorFor(store), 1)
			require.NoError(t, err)
			defer pool.Close()

			_, err = pool.Acquire(context.Background())
			require.ErrorContains(t, err, "connection refused")
			assert.Equal(t, uint64(1), pool.Stats().AcquireErrors)
			assert.Equal(t, int32(0), pool.Stats().TotalConns)
		})
	}
}

func TestPool_AcquireAllIdle(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			pool, err := factory(constructorFor(newFakeStore()), 3)
			require.NoError(t, err)
			defer pool.Close()

			var held []Resource
			for range 3 {
				res, err := pool.Acquire(context.Background())
				require.NoError(t, err)
				held = append(held, res)
			}
			held[0].Release()
			held[1].Release()

			idle := pool.AcquireAllIdle()
			assert.Len(t, idle, 2)
			for _, res := range idle {
				res.ReleaseUnused()
			}
			held[2].Release()
		})
	}
}

func TestPool_Closed(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			pool, err := factory(constructorFor(newFakeStore()), 1)
			require.NoError(t, err)

			res, err := pool.Acquire(context.Background())
			require.NoError(t, err)
			conn := res.Value().(*fakeConn)
			res.Release()

			pool.Close()
			assert.True(t, conn.closed.Load())

			_, err = pool.Acquire(context.Background())
			require.ErrorIs(t, err, ErrPoolClosed)
		})
	}
}
