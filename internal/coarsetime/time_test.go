package coarsetime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowTracksWallClock(t *testing.T) {
	real := time.Now()
	cached := Now()

	require.WithinDuration(t, real, cached, 2*Tick())
}

func TestNowAdvances(t *testing.T) {
	first := UnixNano()

	require.Eventually(t, func() bool {
		return UnixNano() > first
	}, time.Second, 10*time.Millisecond)
}

func TestSinceNeverNegative(t *testing.T) {
	future := time.Now().Add(time.Hour)
	require.Equal(t, time.Duration(0), Since(future))
	require.GreaterOrEqual(t, Since(time.Now().Add(-time.Hour)), 59*time.Minute)
}

// BenchmarkTimeNow/time-8         	35926340	         32.82 ns/op	       0 B/op	       0 allocs/op
// BenchmarkTimeNow/coarsetime-8   	609668066	         1.950 ns/op	       0 B/op	       0 allocs/op
func BenchmarkTimeNow(b *testing.B) {
	var t time.Time

	b.Run("time", func(b *testing.B) {
		for b.Loop() {
			t = time.Now()
		}
	})

	b.Run("coarsetime", func(b *testing.B) {
		for b.Loop() {
			t = Now()
		}
	})

	_ = t
}
