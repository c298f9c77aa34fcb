// Package coarsetime provides a cached wall clock for hot paths such as
// local cache expiry checks and pool bookkeeping.
//
// The clock is refreshed every 50ms by a background goroutine, so readings
// may lag the real time by up to one tick.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var nowNanos atomic.Int64

func init() {
	nowNanos.Store(time.Now().UnixNano())

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			nowNanos.Store(t.UnixNano())
		}
	}()
}

// Now returns the cached wall clock time.
func Now() time.Time {
	return time.Unix(0, nowNanos.Load())
}

// UnixNano returns the cached wall clock as nanoseconds since the epoch.
func UnixNano() int64 {
	return nowNanos.Load()
}

// Since returns the time elapsed since t according to the cached clock.
// It never returns a negative duration.
func Since(t time.Time) time.Duration {
	d := Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// Tick is the refresh interval of the cached clock.
func Tick() time.Duration {
	return tick
}
