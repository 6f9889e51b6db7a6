// Package ensemble expands a logical model alias into one or more
// backend calls: single, best-of-n, consensus vote, or fallback chain.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/communityforge/inference-gateway/internal/backend"
	"github.com/communityforge/inference-gateway/internal/pricing"
	log "github.com/sirupsen/logrus"
)

// Strategy names.
const (
	StrategySingle    = "single"
	StrategyBestOfN   = "best_of_n"
	StrategyConsensus = "consensus"
	StrategyFallback  = "fallback"
)

// ErrUnknownAlias indicates the alias has no mapping.
var ErrUnknownAlias = errors.New("ensemble: unknown model alias")

// aliasSpec maps a logical alias onto a strategy and backend models.
type aliasSpec struct {
	strategy string
	models   []string
}

var aliasSpecs = map[string]aliasSpec{
	"fast":      {strategy: StrategySingle, models: []string{"inference-small"}},
	"standard":  {strategy: StrategySingle, models: []string{"inference-base"}},
	"reasoning": {strategy: StrategyFallback, models: []string{"inference-large", "inference-base"}},
	"ensemble":  {strategy: StrategyBestOfN, models: []string{"inference-large", "inference-large", "inference-large"}},
	"consensus": {strategy: StrategyConsensus, models: []string{"inference-base", "inference-base", "inference-base"}},
}

// Call is one planned backend call with its own cost estimate.
type Call struct {
	Model          string
	MaxTokens      int64
	EstimatedCents int64
}

// Plan is the expansion of one alias. EstimatedCents is the sum over
// all planned calls, so the reservation covers worst-case spend before
// any call is issued.
type Plan struct {
	Alias          string
	Strategy       string
	Calls          []Call
	EstimatedCents int64
}

// Streamable reports whether the plan can stream to the client.
// Multi-call strategies buffer and pick, so only single streams.
func (p *Plan) Streamable() bool {
	return p.Strategy == StrategySingle
}

// Expand builds the call plan for an alias and prices each sub-call.
func Expand(table *pricing.Table, alias, prompt string, maxTokens int64) (*Plan, error) {
	spec, ok := aliasSpecs[strings.TrimSpace(alias)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlias, alias)
	}

	plan := &Plan{Alias: alias, Strategy: spec.strategy}
	for _, model := range spec.models {
		call := Call{
			Model:          model,
			MaxTokens:      maxTokens,
			EstimatedCents: pricing.Estimate(table, model, prompt, maxTokens),
		}
		plan.Calls = append(plan.Calls, call)
		plan.EstimatedCents += call.EstimatedCents
	}
	return plan, nil
}

// CallUsage is the token accounting for one issued call, kept even for
// losing or failed candidates since their spend is real.
type CallUsage struct {
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	Failed           bool
}

// Result is the outcome of executing a plan.
type Result struct {
	Content string
	Usage   []CallUsage
}

// PromptTokens sums prompt tokens across all issued calls.
func (r *Result) PromptTokens() int64 {
	var total int64
	for _, u := range r.Usage {
		total += u.PromptTokens
	}
	return total
}

// CompletionTokens sums completion tokens across all issued calls.
func (r *Result) CompletionTokens() int64 {
	var total int64
	for _, u := range r.Usage {
		total += u.CompletionTokens
	}
	return total
}

// ActualCost prices every issued call, winners and losers alike.
func (r *Result) ActualCost(table *pricing.Table) int64 {
	var total int64
	for _, u := range r.Usage {
		total += pricing.Cost(table.For(u.Model), u.PromptTokens, u.CompletionTokens)
	}
	return total
}

// Execute runs the plan's strategy against the backend.
func Execute(ctx context.Context, caller backend.Caller, plan *Plan, prompt string) (*Result, error) {
	switch plan.Strategy {
	case StrategySingle:
		return executeSingle(ctx, caller, plan, prompt)
	case StrategyBestOfN:
		return executeParallel(ctx, caller, plan, prompt, pickLongest)
	case StrategyConsensus:
		return executeParallel(ctx, caller, plan, prompt, pickMajority)
	case StrategyFallback:
		return executeFallback(ctx, caller, plan, prompt)
	default:
		return nil, fmt.Errorf("ensemble: unsupported strategy %s", plan.Strategy)
	}
}

func executeSingle(ctx context.Context, caller backend.Caller, plan *Plan, prompt string) (*Result, error) {
	call := plan.Calls[0]
	resp, errComplete := caller.Complete(ctx, backend.Request{
		Model:     call.Model,
		Prompt:    prompt,
		MaxTokens: call.MaxTokens,
	})
	if errComplete != nil {
		return nil, errComplete
	}
	return &Result{
		Content: resp.Content,
		Usage: []CallUsage{{
			Model:            call.Model,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		}},
	}, nil
}

// candidate is one parallel sub-call outcome.
type candidate struct {
	index   int
	content string
	usage   CallUsage
	err     error
}

// executeParallel fans the prompt out to every planned call and lets
// pick choose the winner among successful candidates.
func executeParallel(ctx context.Context, caller backend.Caller, plan *Plan, prompt string, pick func([]candidate) int) (*Result, error) {
	results := make([]candidate, len(plan.Calls))
	var wg sync.WaitGroup
	for i := range plan.Calls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			call := plan.Calls[i]
			resp, errComplete := caller.Complete(ctx, backend.Request{
				Model:     call.Model,
				Prompt:    prompt,
				MaxTokens: call.MaxTokens,
			})
			if errComplete != nil {
				results[i] = candidate{index: i, err: errComplete, usage: CallUsage{Model: call.Model, Failed: true}}
				return
			}
			results[i] = candidate{
				index:   i,
				content: resp.Content,
				usage: CallUsage{
					Model:            call.Model,
					PromptTokens:     resp.PromptTokens,
					CompletionTokens: resp.CompletionTokens,
				},
			}
		}(i)
	}
	wg.Wait()

	result := &Result{}
	var succeeded []candidate
	var firstErr error
	for _, c := range results {
		result.Usage = append(result.Usage, c.usage)
		if c.err != nil {
			if firstErr == nil {
				firstErr = c.err
			}
			continue
		}
		succeeded = append(succeeded, c)
	}
	if len(succeeded) == 0 {
		return result, firstErr
	}
	winner := pick(succeeded)
	result.Content = succeeded[winner].content
	return result, nil
}

// pickLongest scores candidates by content length. Crude, but a stable
// stand-in until the backend reports a quality score.
func pickLongest(candidates []candidate) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if len(candidates[i].content) > len(candidates[best].content) {
			best = i
		}
	}
	return best
}

// pickMajority groups candidates by normalized content and returns the
// first member of the largest group. Ties resolve to the earliest call.
func pickMajority(candidates []candidate) int {
	counts := map[string]int{}
	for _, c := range candidates {
		counts[normalize(c.content)]++
	}
	best := 0
	bestCount := 0
	for i, c := range candidates {
		if n := counts[normalize(c.content)]; n > bestCount {
			best = i
			bestCount = n
		}
	}
	return best
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func executeFallback(ctx context.Context, caller backend.Caller, plan *Plan, prompt string) (*Result, error) {
	result := &Result{}
	var lastErr error
	for _, call := range plan.Calls {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		resp, errComplete := caller.Complete(ctx, backend.Request{
			Model:     call.Model,
			Prompt:    prompt,
			MaxTokens: call.MaxTokens,
		})
		if errComplete != nil {
			lastErr = errComplete
			result.Usage = append(result.Usage, CallUsage{Model: call.Model, Failed: true})
			log.WithError(errComplete).WithField("model", call.Model).Warn("ensemble: fallback candidate failed")
			continue
		}
		result.Content = resp.Content
		result.Usage = append(result.Usage, CallUsage{
			Model:            call.Model,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		})
		return result, nil
	}
	return result, lastErr
}
