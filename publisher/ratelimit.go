package publisher

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/schedule"
)

// RateLimiter spaces out publishes to the platform. The engine waits on it
// before each attempt. Limits can be changed while running; waiting callers
// pick up the new rate.
type RateLimiter struct {
	limiter *rate.Limiter
}

var _ schedule.Throttle = (*RateLimiter)(nil)

// NewRateLimiter allows perMinute publishes with the given burst.
// perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(perMinuteLimit(perMinute), normalizeBurst(burst)),
	}
}

// SetLimit changes the rate and burst
func (r *RateLimiter) SetLimit(perMinute float64, burst int) {
	now := time.Now()
	r.limiter.SetLimitAt(now, perMinuteLimit(perMinute))
	r.limiter.SetBurstAt(now, normalizeBurst(burst))
}

// Limit returns the current rate in publishes per minute (0 when unlimited)
func (r *RateLimiter) Limit() float64 {
	l := r.limiter.Limit()
	if l == rate.Inf {
		return 0
	}
	return float64(l) * 60
}

// Wait blocks until a publish may start or ctx is done
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "publish rate limit wait")
	}
	return nil
}

func perMinuteLimit(perMinute float64) rate.Limit {
	if perMinute <= 0 {
		return rate.Inf
	}
	return rate.Limit(perMinute / 60.0)
}

func normalizeBurst(burst int) int {
	if burst < 1 {
		return 1
	}
	return burst
}
