package backend

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the per-endpoint circuit breaker. A zero Timeout
// disables the breaker.
type BreakerConfig struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// DefaultBreakerConfig returns the breaker settings used when none are
// configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
	}
}

// newCircuitBreaker trips once at least 3 calls were made and 60% failed.
// Application-level errors do not count as failures.
func newCircuitBreaker(endpoint string, cfg BreakerConfig) *gobreaker.CircuitBreaker[struct{}] {
	if cfg.Timeout <= 0 {
		return nil
	}

	settings := gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
	}
	return gobreaker.NewCircuitBreaker[struct{}](settings)
}
