// Package pricing resolves per-model token prices and estimates
// request cost before a backend call is issued.
package pricing

import "strings"

// ModelPrice holds token prices in cents per 1K tokens.
type ModelPrice struct {
	InputCentsPer1K  int64 `json:"input_cents_per_1k"`
	OutputCentsPer1K int64 `json:"output_cents_per_1k"`
}

// defaultPrice is the platform fallback for unpriced models.
var defaultPrice = ModelPrice{InputCentsPer1K: 1, OutputCentsPer1K: 3}

// platformPrices maps backend model names to platform prices.
var platformPrices = map[string]ModelPrice{
	"inference-small": {InputCentsPer1K: 1, OutputCentsPer1K: 2},
	"inference-base":  {InputCentsPer1K: 2, OutputCentsPer1K: 6},
	"inference-large": {InputCentsPer1K: 5, OutputCentsPer1K: 15},
}

// Table resolves model prices with community overrides layered over
// platform defaults. Precedence: override, platform price, fallback.
type Table struct {
	overrides map[string]ModelPrice
}

// NewTable builds a price table with optional community overrides.
func NewTable(overrides map[string]ModelPrice) *Table {
	return &Table{overrides: overrides}
}

// For returns the effective price for a backend model.
func (t *Table) For(model string) ModelPrice {
	model = strings.TrimSpace(model)
	if t != nil && t.overrides != nil {
		if price, ok := t.overrides[model]; ok {
			return price
		}
	}
	if price, ok := platformPrices[model]; ok {
		return price
	}
	return defaultPrice
}

// Cost computes the cost in cents for a token count pair, rounding up
// so partial thousands are never undercharged.
func Cost(price ModelPrice, promptTokens, completionTokens int64) int64 {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	inputCents := ceilDiv(promptTokens*price.InputCentsPer1K, 1000)
	outputCents := ceilDiv(completionTokens*price.OutputCentsPer1K, 1000)
	return inputCents + outputCents
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
