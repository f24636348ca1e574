package providers

import (
	"math"
	"testing"
)

func TestUsageAccumulator_Totals(t *testing.T) {
	a := NewUsageAccumulator()
	a.Record("claude-sonnet-4-5", Usage{InputTokens: 100, OutputTokens: 50})
	a.Record("claude-sonnet-4-5", Usage{InputTokens: 200, OutputTokens: 30})
	a.Record("gpt-4o", Usage{InputTokens: 10, OutputTokens: 5})

	total, requests := a.Total()
	if requests != 3 {
		t.Errorf("requests = %d, want 3", requests)
	}
	if total.InputTokens != 310 || total.OutputTokens != 85 {
		t.Errorf("total = %+v", total)
	}

	byModel := a.ByModel()
	if mu := byModel["claude-sonnet-4-5"]; mu.Requests != 2 || mu.Usage.InputTokens != 300 {
		t.Errorf("claude usage = %+v", mu)
	}
	if mu := byModel["gpt-4o"]; mu.Requests != 1 || mu.Usage.OutputTokens != 5 {
		t.Errorf("gpt usage = %+v", mu)
	}
}

func TestRateForModel_LongestPrefixWins(t *testing.T) {
	rate, ok := rateForModel("gpt-4o-mini-2024-07-18")
	if !ok {
		t.Fatal("want a rate for gpt-4o-mini")
	}
	if rate.input != 0.15 {
		t.Errorf("input rate = %v, want the mini rate, not the gpt-4o rate", rate.input)
	}

	if _, ok := rateForModel("totally-unknown"); ok {
		t.Error("unknown model must not match a rate")
	}
}

func TestUsageAccumulator_Cost(t *testing.T) {
	a := NewUsageAccumulator()
	// 1M in + 1M out on the 3/15 tier.
	a.Record("claude-3-5-sonnet-20241022", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	// Unknown models contribute nothing.
	a.Record("mystery-model", Usage{InputTokens: 5_000_000, OutputTokens: 5_000_000})

	if got, want := a.Cost(), 18.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("Cost() = %v, want %v", got, want)
	}
}
