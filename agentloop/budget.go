package agentloop

import (
	"fmt"
	"sync"
)

// Pricing holds per-million-token rates in USD. NativeCurrency and
// NativePerUSD only affect the usage summary.
type Pricing struct {
	InputPerMillion  float64 `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" yaml:"output_per_million"`
	NativeCurrency   string  `json:"native_currency,omitempty" yaml:"native_currency"`
	NativePerUSD     float64 `json:"native_per_usd,omitempty" yaml:"native_per_usd"`
}

// DefaultPricing is used when neither configuration nor the model catalog
// provides rates.
func DefaultPricing() Pricing {
	return Pricing{InputPerMillion: 0.4, OutputPerMillion: 0.4}
}

// UsageStats is a snapshot of a conversation's token usage. The cost fields
// are always derived from the two counters and the pricing.
type UsageStats struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	PromptCost       float64 `json:"prompt_cost"`
	CompletionCost   float64 `json:"completion_cost"`
	TotalCost        float64 `json:"total_cost"`
	NativeCurrency   string  `json:"native_currency,omitempty"`
	TotalCostNative  float64 `json:"total_cost_native,omitempty"`
	// Estimated is set when any counted reply reported estimated usage.
	Estimated bool `json:"estimated,omitempty"`
}

func newUsageStats(prompt, completion int, p Pricing, estimated bool) UsageStats {
	u := UsageStats{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		PromptCost:       float64(prompt) / 1_000_000 * p.InputPerMillion,
		CompletionCost:   float64(completion) / 1_000_000 * p.OutputPerMillion,
		Estimated:        estimated,
	}
	u.TotalCost = u.PromptCost + u.CompletionCost
	if p.NativeCurrency != "" && p.NativePerUSD > 0 {
		u.NativeCurrency = p.NativeCurrency
		u.TotalCostNative = u.TotalCost * p.NativePerUSD
	}
	return u
}

// Summary renders the two-line usage summary shown at the end of a run.
func (u UsageStats) Summary() string {
	s := fmt.Sprintf("Tokens: %d sent + %d received = %d total\nTotal cost: USD %.4f",
		u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.TotalCost)
	if u.NativeCurrency != "" {
		s += fmt.Sprintf(" / %s %.4f", u.NativeCurrency, u.TotalCostNative)
	}
	if u.Estimated {
		s += " (estimated)"
	}
	return s
}

// Budget accumulates token usage for one conversation and answers whether
// the estimated cost crossed a ceiling. It never stops anything itself.
type Budget struct {
	pricing    Pricing
	prompt     int
	completion int
	estimated  bool
	mu         sync.Mutex
}

// NewBudget creates a Budget with zero usage.
func NewBudget(p Pricing) *Budget {
	return &Budget{pricing: p}
}

// Add records the token counts of one model reply. Negative counts are
// ignored so usage never decreases.
func (b *Budget) Add(promptTokens, completionTokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if promptTokens > 0 {
		b.prompt += promptTokens
	}
	if completionTokens > 0 {
		b.completion += completionTokens
	}
}

// MarkEstimated flags the accumulated usage as estimated.
func (b *Budget) MarkEstimated() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estimated = true
}

// Cost returns the current estimated cost in USD.
func (b *Budget) Cost() float64 {
	return b.Snapshot().TotalCost
}

// Exceeded reports whether the cost is strictly above ceiling. A ceiling of
// zero or less disables the check.
func (b *Budget) Exceeded(ceiling float64) bool {
	if ceiling <= 0 {
		return false
	}
	return b.Cost() > ceiling
}

// Snapshot returns the current usage.
func (b *Budget) Snapshot() UsageStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return newUsageStats(b.prompt, b.completion, b.pricing, b.estimated)
}
