package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/recera/modelkit/core"
)

func TestRateLimitAllowsWithinBurst(t *testing.T) {
	base := &mockModel{}
	wrapped := WrapModel(base, WithMiddleware(WithRateLimit(RateLimitOpts{
		RPS:   100,
		Burst: 10,
	})))

	for i := 0; i < 5; i++ {
		if _, err := wrapped.GenerateText(context.Background(), userRequest("hi")); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if base.generateCalls.Load() != 5 {
		t.Errorf("calls = %d", base.generateCalls.Load())
	}
}

func TestRateLimitRejectsOverTimeout(t *testing.T) {
	base := &mockModel{}
	wrapped := WrapModel(base, WithMiddleware(WithRateLimit(RateLimitOpts{
		RPS:         0.1, // one token per 10s after burst
		Burst:       1,
		WaitTimeout: time.Millisecond,
	})))

	if _, err := wrapped.GenerateText(context.Background(), userRequest("hi")); err != nil {
		t.Fatal(err)
	}

	_, err := wrapped.GenerateText(context.Background(), userRequest("hi"))
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if !core.IsRateLimited(err) {
		t.Errorf("error = %v, want rate limit classification", err)
	}
	if _, ok := core.GetRetryAfter(err); !ok {
		t.Error("rate limit error should carry a retry-after hint")
	}
	if base.generateCalls.Load() != 1 {
		t.Errorf("calls = %d, rejected call must not reach the model", base.generateCalls.Load())
	}
}

func TestRateLimitPerCallType(t *testing.T) {
	base := &mockModel{}
	wrapped := WrapModel(base, WithMiddleware(WithRateLimit(RateLimitOpts{
		RPS:         100,
		Burst:       100,
		WaitTimeout: time.Millisecond,
		PerCallType: map[core.CallType]RateLimitConfig{
			core.CallStream: {RPS: 0.1, Burst: 1},
		},
	})))

	// Stream budget is one call.
	stream, err := wrapped.StreamText(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, stream)

	if _, err := wrapped.StreamText(context.Background(), userRequest("hi")); err == nil {
		t.Fatal("second stream should be limited")
	}

	// Generate still runs under the global limiter.
	if _, err := wrapped.GenerateText(context.Background(), userRequest("hi")); err != nil {
		t.Errorf("generate should be unaffected: %v", err)
	}
}

func TestRateLimitNotifiesOnWait(t *testing.T) {
	waited := make(chan time.Duration, 1)
	base := &mockModel{}
	wrapped := WrapModel(base, WithMiddleware(WithRateLimit(RateLimitOpts{
		RPS:         50, // 20ms per token after burst
		Burst:       1,
		WaitTimeout: time.Second,
		OnRateLimited: func(_ core.CallType, wait time.Duration) {
			select {
			case waited <- wait:
			default:
			}
		},
	})))

	for i := 0; i < 2; i++ {
		if _, err := wrapped.GenerateText(context.Background(), userRequest("hi")); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case wait := <-waited:
		if wait <= 0 {
			t.Errorf("reported wait = %v", wait)
		}
	default:
		t.Error("second call should have reported a wait")
	}
}
