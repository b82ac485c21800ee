package middleware

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/recera/modelkit/core"
)

// RetryOpts configures the retry middleware.
//
// The pipeline itself never retries; this entry is strictly opt-in, and a
// call wrapped with it still looks like a single call to every entry
// outside it.
type RetryOpts struct {
	// MaxAttempts is the maximum number of retry attempts (0 = no retries).
	MaxAttempts int
	// BaseDelay is the initial delay between retries.
	BaseDelay time.Duration
	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier (typically 2).
	Multiplier float64
	// Jitter adds randomization to retry delays to avoid thundering herd.
	Jitter bool
	// RetryIf is a custom function to determine if an error should be retried.
	// If nil, uses default retry logic based on error classification.
	RetryIf func(error) bool
}

// DefaultRetryOpts returns sensible default retry options.
func DefaultRetryOpts() RetryOpts {
	return RetryOpts{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

type retrier struct {
	opts RetryOpts
	rand *rand.Rand
	mu   sync.Mutex
}

// WithRetry creates middleware that retries transient failures with
// exponential backoff. Streaming calls are only retried on initial
// connection failure, not on mid-stream errors.
func WithRetry(opts RetryOpts) Middleware {
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	if opts.Multiplier <= 1 {
		opts.Multiplier = 2.0
	}

	r := &retrier{
		opts: opts,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	return Middleware{
		Name: "retry",
		WrapGenerate: func(ctx context.Context, req core.Request, next GenerateFunc) (*core.TextResult, error) {
			var result *core.TextResult
			err := r.run(ctx, func() error {
				var err error
				result, err = next(ctx, req)
				return err
			})
			return result, err
		},
		WrapStream: func(ctx context.Context, req core.Request, next StreamFunc) (core.TextStream, error) {
			var stream core.TextStream
			err := r.run(ctx, func() error {
				var err error
				stream, err = next(ctx, req)
				return err
			})
			return stream, err
		},
	}
}

// shouldRetry determines if an error should trigger a retry.
func (r *retrier) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if r.opts.RetryIf != nil {
		return r.opts.RetryIf(err)
	}
	return core.IsTransient(err) || core.IsRateLimited(err) || core.IsTimeout(err)
}

// calculateDelay calculates the delay for the given attempt number.
func (r *retrier) calculateDelay(attempt int) time.Duration {
	// delay = min(base * multiplier^attempt, maxDelay)
	delay := float64(r.opts.BaseDelay) * math.Pow(r.opts.Multiplier, float64(attempt))
	if delay > float64(r.opts.MaxDelay) {
		delay = float64(r.opts.MaxDelay)
	}

	if r.opts.Jitter {
		r.mu.Lock()
		jitter := 0.75 + r.rand.Float64()*0.5 // Range: [0.75, 1.25]
		r.mu.Unlock()
		delay *= jitter
	}

	return time.Duration(delay)
}

// waitWithContext waits for the specified duration or until the context is cancelled.
func (r *retrier) waitWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run executes an operation with retry logic.
func (r *retrier) run(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.opts.MaxAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !r.shouldRetry(err) {
			return err
		}
		if attempt >= r.opts.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)
		if retryAfter, ok := core.GetRetryAfter(err); ok {
			// Honor the provider's retry-after hint over backoff.
			delay = time.Duration(retryAfter) * time.Second
		}

		if err := r.waitWithContext(ctx, delay); err != nil {
			// Context cancelled during wait
			return lastErr
		}
	}

	return lastErr
}
