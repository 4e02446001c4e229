package agentloop

import (
	"github.com/martinemde/shellpilot/unifiedllm"
)

// defaultContextWindow is assumed for models missing from the catalog.
const defaultContextWindow = 128000

// ModelProfile is what the loop knows about the model it drives: where to
// route requests, what tokens cost and how much context fits.
type ModelProfile struct {
	Model         string
	Provider      string
	ContextWindow int
	Pricing       Pricing
}

// ResolveProfile looks the model up in the catalog. Explicit pricing wins
// over catalog rates; unknown models fall back to DefaultPricing.
func ResolveProfile(model, provider string, pricing *Pricing) ModelProfile {
	p := ModelProfile{
		Model:         model,
		Provider:      provider,
		ContextWindow: defaultContextWindow,
		Pricing:       DefaultPricing(),
	}
	if info := unifiedllm.GetModelInfo(model); info != nil {
		p.Model = info.ID
		if p.Provider == "" {
			p.Provider = info.Provider
		}
		if info.ContextWindow > 0 {
			p.ContextWindow = info.ContextWindow
		}
		if in, out, ok := info.Prices(); ok {
			p.Pricing.InputPerMillion = in
			p.Pricing.OutputPerMillion = out
		}
	}
	if pricing != nil {
		if pricing.InputPerMillion > 0 || pricing.OutputPerMillion > 0 {
			p.Pricing.InputPerMillion = pricing.InputPerMillion
			p.Pricing.OutputPerMillion = pricing.OutputPerMillion
		}
		p.Pricing.NativeCurrency = pricing.NativeCurrency
		p.Pricing.NativePerUSD = pricing.NativePerUSD
	}
	return p
}

// contextUsagePercent estimates how full the context window is, using the
// four-characters-per-token heuristic.
func (p ModelProfile) contextUsagePercent(messages []Message) int {
	if p.ContextWindow <= 0 {
		return 0
	}
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4 * 100 / p.ContextWindow
}
