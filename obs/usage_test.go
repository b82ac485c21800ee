package obs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/recera/modelkit/core"
)

func intPtr(v int) *int { return &v }

func TestUsageCollectorAggregates(t *testing.T) {
	c := NewUsageCollector(0)
	ctx := context.Background()

	c.Record(ctx, "openai", "gpt-4o", core.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150})
	c.Record(ctx, "openai", "gpt-4o", core.Usage{InputTokens: 20, OutputTokens: 10, TotalTokens: 30})
	c.Record(ctx, "openai", "gpt-4o-mini", core.Usage{InputTokens: 5, OutputTokens: 5, TotalTokens: 10})
	c.Record(ctx, "anthropic", "claude-sonnet", core.Usage{InputTokens: 40, OutputTokens: 40, TotalTokens: 80})

	pu := c.GetProviderUsage("openai")
	if pu == nil {
		t.Fatal("openai usage missing")
	}
	if pu.TotalRequests != 3 {
		t.Errorf("requests = %d, want 3", pu.TotalRequests)
	}
	if pu.Usage.TotalTokens != 190 {
		t.Errorf("total tokens = %d, want 190", pu.Usage.TotalTokens)
	}

	mu, ok := pu.ModelUsage["gpt-4o"]
	if !ok {
		t.Fatal("gpt-4o breakdown missing")
	}
	if mu.Requests != 2 || mu.Usage.InputTokens != 120 {
		t.Errorf("model usage = %+v", mu)
	}

	if c.GetProviderUsage("unknown") != nil {
		t.Error("unknown provider should return nil")
	}
	if len(c.GetAllUsage()) != 2 {
		t.Errorf("providers = %d, want 2", len(c.GetAllUsage()))
	}
}

func TestUsageCollectorOptionalFields(t *testing.T) {
	c := NewUsageCollector(0)
	ctx := context.Background()

	c.Record(ctx, "openai", "o3", core.Usage{TotalTokens: 10})
	c.Record(ctx, "openai", "o3", core.Usage{TotalTokens: 20, ReasoningTokens: intPtr(7)})

	pu := c.GetProviderUsage("openai")
	if pu.Usage.ReasoningTokens == nil || *pu.Usage.ReasoningTokens != 7 {
		t.Errorf("reasoning tokens = %v, absent plus present should keep the value", pu.Usage.ReasoningTokens)
	}
	if pu.Usage.CachedInputTokens != nil {
		t.Error("cached input tokens should stay absent when never reported")
	}
}

func TestUsageCollectorCopiesAreIndependent(t *testing.T) {
	c := NewUsageCollector(0)
	c.Record(context.Background(), "openai", "gpt-4o", core.Usage{TotalTokens: 10})

	snapshot := c.GetProviderUsage("openai")
	snapshot.TotalRequests = 999
	snapshot.ModelUsage["gpt-4o"].Requests = 999

	fresh := c.GetProviderUsage("openai")
	if fresh.TotalRequests != 1 || fresh.ModelUsage["gpt-4o"].Requests != 1 {
		t.Error("mutating a snapshot leaked into the collector")
	}
}

func TestUsageCollectorWindowReset(t *testing.T) {
	c := NewUsageCollector(time.Minute)
	ctx := context.Background()

	c.Record(ctx, "openai", "gpt-4o", core.Usage{TotalTokens: 10})

	// Age the window past expiry; the next record starts a fresh period.
	c.mu.Lock()
	c.lastReset = time.Now().Add(-2 * time.Minute)
	c.mu.Unlock()

	c.Record(ctx, "openai", "gpt-4o", core.Usage{TotalTokens: 5})

	pu := c.GetProviderUsage("openai")
	if pu.TotalRequests != 1 || pu.Usage.TotalTokens != 5 {
		t.Errorf("usage after window reset = %+v", pu)
	}
}

func TestUsageCollectorReset(t *testing.T) {
	c := NewUsageCollector(0)
	c.Record(context.Background(), "openai", "gpt-4o", core.Usage{TotalTokens: 10})

	c.Reset()

	if c.GetProviderUsage("openai") != nil {
		t.Error("usage survived reset")
	}
}

func TestUsageReport(t *testing.T) {
	c := NewUsageCollector(time.Hour)
	ctx := context.Background()

	c.Record(ctx, "openai", "gpt-4o", core.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150})
	c.Record(ctx, "anthropic", "claude-sonnet", core.Usage{InputTokens: 30, OutputTokens: 20, TotalTokens: 50})

	report := c.Report()
	if report.TotalRequests != 2 {
		t.Errorf("total requests = %d", report.TotalRequests)
	}
	if report.TotalTokens != 200 {
		t.Errorf("total tokens = %d", report.TotalTokens)
	}
	if report.Period != time.Hour {
		t.Errorf("period = %v", report.Period)
	}
	if len(report.Providers) != 2 {
		t.Fatalf("providers = %d", len(report.Providers))
	}

	text := report.String()
	for _, want := range []string{"2 requests", "200 tokens", "openai/gpt-4o", "anthropic/claude-sonnet"} {
		if !strings.Contains(text, want) {
			t.Errorf("report %q missing %q", text, want)
		}
	}
}
