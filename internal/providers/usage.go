package providers

import (
	"strings"
	"sync"
)

// modelRate is USD per million tokens.
type modelRate struct {
	input  float64
	output float64
}

// Published list prices, 2025. Keys are matched by longest prefix so
// dated model ids ("claude-3-5-sonnet-20241022") pick up their family rate.
var modelRates = map[string]modelRate{
	"claude-opus-4":     {input: 15, output: 75},
	"claude-sonnet-4":   {input: 3, output: 15},
	"claude-3-5-sonnet": {input: 3, output: 15},
	"claude-3-5-haiku":  {input: 0.8, output: 4},
	"gpt-4o-mini":       {input: 0.15, output: 0.6},
	"gpt-4o":            {input: 2.5, output: 10},
	"gpt-4-turbo":       {input: 10, output: 30},
	"o1":                {input: 15, output: 60},
	"o3-mini":           {input: 1.1, output: 4.4},
	"gemini-2.0-flash":  {input: 0.1, output: 0.4},
	"gemini-1.5-pro":    {input: 1.25, output: 5},
	"gemini-1.5-flash":  {input: 0.075, output: 0.3},
}

func rateForModel(model string) (modelRate, bool) {
	best := ""
	for prefix := range modelRates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return modelRate{}, false
	}
	return modelRates[best], true
}

// ModelUsage is the accumulated consumption for one model.
type ModelUsage struct {
	Requests int   `json:"requests"`
	Usage    Usage `json:"usage"`
}

// UsageAccumulator aggregates token consumption across a process lifetime.
// Safe for concurrent use.
type UsageAccumulator struct {
	mu       sync.Mutex
	requests int
	total    Usage
	byModel  map[string]*ModelUsage
}

func NewUsageAccumulator() *UsageAccumulator {
	return &UsageAccumulator{byModel: make(map[string]*ModelUsage)}
}

// Record merges one response's usage into the totals.
func (a *UsageAccumulator) Record(model string, u Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests++
	a.total.Add(u)
	mu, ok := a.byModel[model]
	if !ok {
		mu = &ModelUsage{}
		a.byModel[model] = mu
	}
	mu.Requests++
	mu.Usage.Add(u)
}

// Total returns the aggregate usage and request count.
func (a *UsageAccumulator) Total() (Usage, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total, a.requests
}

// ByModel returns a copy of the per-model breakdown.
func (a *UsageAccumulator) ByModel() map[string]ModelUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]ModelUsage, len(a.byModel))
	for model, mu := range a.byModel {
		out[model] = *mu
	}
	return out
}

// Cost estimates accumulated spend in USD from the rate table. Models
// without a published rate contribute zero.
func (a *UsageAccumulator) Cost() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var cost float64
	for model, mu := range a.byModel {
		rate, ok := rateForModel(model)
		if !ok {
			continue
		}
		cost += float64(mu.Usage.InputTokens) / 1e6 * rate.input
		cost += float64(mu.Usage.OutputTokens) / 1e6 * rate.output
	}
	return cost
}
