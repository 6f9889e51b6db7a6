package pricing

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// CountTokens returns the token count of text under GPT-4 encoding,
// which approximates the downstream models closely enough for cost
// estimation. Falls back to a 4-characters-per-token heuristic when
// the codec is unavailable.
func CountTokens(text string) int64 {
	codecOnce.Do(func() {
		c, errCodec := tokenizer.ForModel(tokenizer.GPT4)
		if errCodec == nil {
			codec = c
		}
	})
	if codec == nil {
		return int64(len(text) / 4)
	}
	count, errCount := codec.Count(text)
	if errCount != nil {
		return int64(len(text) / 4)
	}
	return int64(count)
}

// Estimate computes the worst-case cost in cents for a prompt against
// a model, assuming the full completion budget is spent. The estimate
// backs the budget reservation, so it must never undershoot.
func Estimate(table *Table, model, prompt string, maxCompletionTokens int64) int64 {
	price := table.For(model)
	promptTokens := CountTokens(prompt)
	cents := Cost(price, promptTokens, maxCompletionTokens)
	if cents < 1 {
		// Every admitted request reserves at least one cent so the
		// ledger reflects it.
		cents = 1
	}
	return cents
}
