package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/recera/modelkit/core"
	"golang.org/x/time/rate"
)

// RateLimitOpts configures the rate limiting middleware.
type RateLimitOpts struct {
	// RPS is the requests per second limit.
	RPS float64
	// Burst is the maximum burst size (tokens that can be consumed at once).
	Burst int
	// WaitTimeout is the maximum time to wait for a token.
	// If zero, waits indefinitely (respecting context deadline).
	WaitTimeout time.Duration
	// PerCallType allows different limits for generate and stream calls.
	// If nil, the global RPS/Burst settings apply to both.
	PerCallType map[core.CallType]RateLimitConfig
	// OnRateLimited is called when a request has to wait (for observability).
	OnRateLimited func(callType core.CallType, waitTime time.Duration)
}

// RateLimitConfig specifies rate limit settings for one call type.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// DefaultRateLimitOpts returns sensible default rate limit options.
func DefaultRateLimitOpts() RateLimitOpts {
	return RateLimitOpts{
		RPS:         10,
		Burst:       20,
		WaitTimeout: 30 * time.Second,
	}
}

// WithRateLimit creates middleware that enforces client-side rate limits
// using a token bucket.
func WithRateLimit(opts RateLimitOpts) Middleware {
	if opts.RPS <= 0 {
		opts.RPS = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RPS * 2)
	}
	if opts.Burst < int(opts.RPS) {
		opts.Burst = int(opts.RPS)
	}

	global := rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst)
	perType := make(map[core.CallType]*rate.Limiter)
	for callType, config := range opts.PerCallType {
		if config.RPS > 0 && config.Burst > 0 {
			perType[callType] = rate.NewLimiter(rate.Limit(config.RPS), config.Burst)
		}
	}

	limiterFor := func(callType core.CallType) *rate.Limiter {
		if l, ok := perType[callType]; ok {
			return l
		}
		return global
	}

	waitForToken := func(ctx context.Context, callType core.CallType) error {
		limiter := limiterFor(callType)

		if limiter.Allow() {
			return nil
		}

		reservation := limiter.Reserve()
		waitTime := reservation.Delay()

		if opts.WaitTimeout > 0 && waitTime > opts.WaitTimeout {
			reservation.Cancel()
			err := core.NewAIError(core.ErrorCategoryRateLimit, "middleware",
				fmt.Sprintf("rate limit exceeded, would need to wait %v", waitTime))
			return err.WithRetryAfter(int(waitTime.Seconds()) + 1)
		}

		if opts.OnRateLimited != nil {
			opts.OnRateLimited(callType, waitTime)
		}

		timer := time.NewTimer(waitTime)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			reservation.Cancel()
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	return Middleware{
		Name: "ratelimit",
		WrapGenerate: func(ctx context.Context, req core.Request, next GenerateFunc) (*core.TextResult, error) {
			if err := waitForToken(ctx, core.CallGenerate); err != nil {
				return nil, err
			}
			return next(ctx, req)
		},
		WrapStream: func(ctx context.Context, req core.Request, next StreamFunc) (core.TextStream, error) {
			if err := waitForToken(ctx, core.CallStream); err != nil {
				return nil, err
			}
			return next(ctx, req)
		},
	}
}
