package core

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// dialBackoffLimiter paces the connector's redial ladder: 0.1s, 0.2s,
// 0.4s, doubling each attempt. Same idiom as the acceptor's limiter
// below: the token bucket serves purely as a monotonic backoff clock.
type dialBackoffLimiter struct {
	limiter *rate.Limiter
	current time.Duration
}

func newDialBackoffLimiter(initial time.Duration) *dialBackoffLimiter {
	limiter := rate.NewLimiter(rate.Every(initial), 1)
	// Drain the bucket's starting token so the first Wait blocks for a
	// full interval instead of returning immediately.
	limiter.Allow()
	return &dialBackoffLimiter{limiter: limiter, current: initial}
}

// Wait blocks one interval, then doubles it for the next attempt. ctx
// cancellation unblocks immediately.
func (d *dialBackoffLimiter) Wait(ctx context.Context) {
	d.limiter.SetLimit(rate.Every(d.current))
	_ = d.limiter.Wait(ctx)
	d.current *= 2
}

// acceptBackoffLimiter bounds how fast the acceptor retries after a
// transient accept error, capping the wait at 5s.
// golang.org/x/time/rate's token bucket is used here purely as a
// monotonic backoff clock: one token is drained per failed accept and
// refilled slowly, so a burst of transient errors can't spin the accept
// loop hot.
type acceptBackoffLimiter struct {
	limiter *rate.Limiter
	cap     time.Duration
	current time.Duration
	floor   time.Duration
}

func newAcceptBackoffLimiter(floor, ceiling time.Duration) *acceptBackoffLimiter {
	return &acceptBackoffLimiter{
		limiter: rate.NewLimiter(rate.Every(floor), 1),
		cap:     ceiling,
		current: floor,
		floor:   floor,
	}
}

// Wait blocks until the limiter admits one token at the current backoff
// rate, doubling the rate's interval for next time (capped), then
// resets once the caller reports success. ctx cancellation (shutdown)
// unblocks immediately.
func (a *acceptBackoffLimiter) Wait(ctx context.Context) {
	wait := a.current
	if wait > a.cap {
		wait = a.cap
	}
	a.limiter.SetLimit(rate.Every(wait))
	_ = a.limiter.Wait(ctx)
	a.current *= 2
	if a.current > a.cap {
		a.current = a.cap
	}
}

// Reset restores the backoff to its floor after a successful accept.
func (a *acceptBackoffLimiter) Reset() {
	a.current = a.floor
}
