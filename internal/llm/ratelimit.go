package llm

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows requestsPerMinute calls per minute with a burst of
// one tenth of that, at least one.
func newRateLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	burst := max(requestsPerMinute/10, 1)
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), burst)
}
