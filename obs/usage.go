package obs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/recera/modelkit/core"
)

// UsageCollector aggregates token usage per provider and model over a
// rolling window. Aggregation uses core.AddUsage, so optional fields keep
// their absence-vs-zero semantics.
type UsageCollector struct {
	mu        sync.RWMutex
	usage     map[string]*ProviderUsage // keyed by provider
	window    time.Duration
	lastReset time.Time
}

// ProviderUsage tracks usage for a specific provider.
type ProviderUsage struct {
	Provider      string
	TotalRequests int64
	Usage         core.Usage
	LastUpdated   time.Time

	// Per-model breakdown
	ModelUsage map[string]*ModelUsage
}

// ModelUsage tracks usage for a specific model.
type ModelUsage struct {
	Model       string
	Requests    int64
	Usage       core.Usage
	LastUpdated time.Time
}

// NewUsageCollector creates a new usage collector with the specified window.
func NewUsageCollector(window time.Duration) *UsageCollector {
	return &UsageCollector{
		usage:     make(map[string]*ProviderUsage),
		window:    window,
		lastReset: time.Now(),
	}
}

// Record records usage for a request.
func (c *UsageCollector) Record(ctx context.Context, provider, model string, usage core.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.window > 0 && time.Since(c.lastReset) > c.window {
		c.resetLocked()
	}

	pu, exists := c.usage[provider]
	if !exists {
		pu = &ProviderUsage{
			Provider:   provider,
			ModelUsage: make(map[string]*ModelUsage),
		}
		c.usage[provider] = pu
	}

	pu.TotalRequests++
	pu.Usage = core.AddUsage(pu.Usage, usage)
	pu.LastUpdated = time.Now()

	mu, exists := pu.ModelUsage[model]
	if !exists {
		mu = &ModelUsage{Model: model}
		pu.ModelUsage[model] = mu
	}

	mu.Requests++
	mu.Usage = core.AddUsage(mu.Usage, usage)
	mu.LastUpdated = time.Now()
}

// GetProviderUsage returns usage for a specific provider.
func (c *UsageCollector) GetProviderUsage(provider string) *ProviderUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if pu, exists := c.usage[provider]; exists {
		return copyProviderUsage(pu)
	}
	return nil
}

// GetAllUsage returns usage for all providers.
func (c *UsageCollector) GetAllUsage() map[string]*ProviderUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*ProviderUsage, len(c.usage))
	for k, v := range c.usage {
		result[k] = copyProviderUsage(v)
	}
	return result
}

// Reset resets all usage counters.
func (c *UsageCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// resetLocked resets usage counters (must be called with lock held).
func (c *UsageCollector) resetLocked() {
	c.usage = make(map[string]*ProviderUsage)
	c.lastReset = time.Now()
}

// copyProviderUsage creates a deep copy so callers cannot observe
// concurrent modification.
func copyProviderUsage(pu *ProviderUsage) *ProviderUsage {
	result := &ProviderUsage{
		Provider:      pu.Provider,
		TotalRequests: pu.TotalRequests,
		Usage:         pu.Usage,
		LastUpdated:   pu.LastUpdated,
		ModelUsage:    make(map[string]*ModelUsage, len(pu.ModelUsage)),
	}

	for k, v := range pu.ModelUsage {
		result.ModelUsage[k] = &ModelUsage{
			Model:       v.Model,
			Requests:    v.Requests,
			Usage:       v.Usage,
			LastUpdated: v.LastUpdated,
		}
	}

	return result
}

// UsageReport is a point-in-time summary of collected usage.
type UsageReport struct {
	Period        time.Duration
	TotalRequests int64
	TotalTokens   int64
	Providers     []ProviderReport
}

// ProviderReport contains the usage summary for one provider.
type ProviderReport struct {
	Provider     string
	Requests     int64
	InputTokens  int
	OutputTokens int
	Models       []ModelReport
}

// ModelReport contains the usage summary for one model.
type ModelReport struct {
	Model        string
	Requests     int64
	InputTokens  int
	OutputTokens int
}

// Report generates a usage report from the collector's current state.
func (c *UsageCollector) Report() *UsageReport {
	allUsage := c.GetAllUsage()

	report := &UsageReport{
		Period:    c.window,
		Providers: make([]ProviderReport, 0, len(allUsage)),
	}

	for _, pu := range allUsage {
		providerReport := ProviderReport{
			Provider:     pu.Provider,
			Requests:     pu.TotalRequests,
			InputTokens:  pu.Usage.InputTokens,
			OutputTokens: pu.Usage.OutputTokens,
			Models:       make([]ModelReport, 0, len(pu.ModelUsage)),
		}

		for _, mu := range pu.ModelUsage {
			providerReport.Models = append(providerReport.Models, ModelReport{
				Model:        mu.Model,
				Requests:     mu.Requests,
				InputTokens:  mu.Usage.InputTokens,
				OutputTokens: mu.Usage.OutputTokens,
			})
		}

		report.TotalRequests += pu.TotalRequests
		report.TotalTokens += int64(pu.Usage.TotalTokens)
		report.Providers = append(report.Providers, providerReport)
	}

	return report
}

// String renders a compact one-line-per-model summary.
func (r *UsageReport) String() string {
	out := fmt.Sprintf("usage over %s: %d requests, %d tokens\n", r.Period, r.TotalRequests, r.TotalTokens)
	for _, p := range r.Providers {
		for _, m := range p.Models {
			out += fmt.Sprintf("  %s/%s: %d requests, %d in / %d out\n",
				p.Provider, m.Model, m.Requests, m.InputTokens, m.OutputTokens)
		}
	}
	return out
}
