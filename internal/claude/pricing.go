package claude

import "strings"

// ModelPricing holds per-million-token USD rates. The four buckets are
// priced independently.
type ModelPricing struct {
	InputPerM      float64
	OutputPerM     float64
	CacheWritePerM float64
	CacheReadPerM  float64
}

// DefaultModel is the pricing fallback for unknown model identifiers.
const DefaultModel = "claude-sonnet-4-5"

// pricingTable maps model-name prefixes to published per-million rates.
// Lookup is by longest matching prefix so dated identifiers
// (e.g. "claude-opus-4-20250514") resolve to their family.
var pricingTable = map[string]ModelPricing{
	"claude-opus-4":   {InputPerM: 15.0, OutputPerM: 75.0, CacheWritePerM: 18.75, CacheReadPerM: 1.50},
	"claude-sonnet-4": {InputPerM: 3.0, OutputPerM: 15.0, CacheWritePerM: 3.75, CacheReadPerM: 0.30},
	"claude-haiku-4":  {InputPerM: 1.0, OutputPerM: 5.0, CacheWritePerM: 1.25, CacheReadPerM: 0.10},
	// Short aliases accepted by the CLI.
	"opus":   {InputPerM: 15.0, OutputPerM: 75.0, CacheWritePerM: 18.75, CacheReadPerM: 1.50},
	"sonnet": {InputPerM: 3.0, OutputPerM: 15.0, CacheWritePerM: 3.75, CacheReadPerM: 0.30},
	"haiku":  {InputPerM: 1.0, OutputPerM: 5.0, CacheWritePerM: 1.25, CacheReadPerM: 0.10},
}

// PricingFor resolves the rates for a model identifier. Unknown models
// fall back to DefaultModel's pricing rather than erroring.
func PricingFor(model string) ModelPricing {
	model = strings.ToLower(strings.TrimSpace(model))
	var best string
	for prefix := range pricingTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return pricingTable[best]
	}
	return pricingTable["sonnet"]
}

// Cost computes the USD cost of a usage accumulation at these rates.
func (p ModelPricing) Cost(u Usage) float64 {
	const million = 1_000_000.0
	return float64(u.InputTokens)/million*p.InputPerM +
		float64(u.OutputTokens)/million*p.OutputPerM +
		float64(u.CacheCreationTokens)/million*p.CacheWritePerM +
		float64(u.CacheReadTokens)/million*p.CacheReadPerM
}
