package backend

import (
	"context"
	"time"
)

// Resource is a pooled session checked out by one caller.
type Resource interface {
	Value() Conn

	// Release returns the session to the pool.
	Release()

	// ReleaseUnused returns the session without refreshing its idle time.
	ReleaseUnused()

	// Destroy closes the session and frees its slot.
	Destroy()

	CreationTime() time.Time
	IdleDuration() time.Duration
}

// Pool hands out backend sessions, at most maxSize at a time.
type Pool interface {
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle checks out every idle session, for health checks.
	AcquireAllIdle() []Resource

	Stats() PoolStats
	Close()
}

// PoolFactory builds a Pool around a session constructor.
type PoolFactory func(constructor func(ctx context.Context) (Conn, error), maxSize int32) (Pool, error)
