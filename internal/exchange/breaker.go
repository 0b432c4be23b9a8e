package exchange

import (
	"time"

	"github.com/sony/gobreaker"
)

// newBreaker builds the circuit breaker shared by the venue adapters. It
// trips on a short run of consecutive failures or a sustained failure rate,
// so a misbehaving venue stops eating retry budget across all agents.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 5 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.25
	}
	return gobreaker.NewCircuitBreaker(st)
}
