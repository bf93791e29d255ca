package gateway

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"kis-trading-core/kis"
)

// RateGate is the process-wide token bucket guarding the shared venue
// credential. Every outbound REST call acquires one token; callers that
// cannot get one within the acquire timeout are rejected fast.
type RateGate struct {
	limiter        *rate.Limiter
	acquireTimeout time.Duration
}

// NewRateGate creates a bucket of perSecond tokens per second with an
// equal burst.
func NewRateGate(perSecond int, acquireTimeout time.Duration) *RateGate {
	return &RateGate{
		limiter:        rate.NewLimiter(rate.Limit(perSecond), perSecond),
		acquireTimeout: acquireTimeout,
	}
}

// Acquire blocks for one token, returning ErrRateLimited when the
// bucket stays saturated past the acquire timeout.
func (g *RateGate) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	defer cancel()

	if err := g.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return kis.ErrRateLimited
	}
	return nil
}
