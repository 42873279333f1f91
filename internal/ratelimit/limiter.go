// Package ratelimit caps the outbound request rate to the exchange.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every fetcher in a timeframe
// pass. Burst is pinned at 1 so tokens become available at exactly
// 1/rps intervals; Wait delivers them FIFO, which keeps token
// distribution fair across fetchers.
type Limiter struct {
	bucket *rate.Limiter
}

// New creates a limiter producing rps tokens per second.
func New(rps float64) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(rps), 1)}
}

// Wait blocks until a token is available or ctx is cancelled. Tokens
// are consumed, never returned.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// Rate returns the configured tokens per second.
func (l *Limiter) Rate() float64 {
	return float64(l.bucket.Limit())
}

// SetRate adjusts the refill rate at runtime.
func (l *Limiter) SetRate(rps float64) {
	l.bucket.SetLimit(rate.Limit(rps))
}
