package unifiedllm

import "slices"

// ModelInfo is a catalog entry. Prices are USD per million tokens; a zero
// price means the model has no published rate.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	ContextWindow int      `json:"context_window"`
	InputPrice    float64  `json:"input_price,omitempty"`
	OutputPrice   float64  `json:"output_price,omitempty"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Prices returns the per-million rates and whether the catalog has them.
func (m ModelInfo) Prices() (input, output float64, ok bool) {
	if m.InputPrice <= 0 && m.OutputPrice <= 0 {
		return 0, 0, false
	}
	return m.InputPrice, m.OutputPrice, true
}

// Models lists the known models. Each provider's first entry is its default.
var Models = []ModelInfo{
	{ID: "gpt-4.1-mini", Provider: "openai", ContextWindow: 1047576, InputPrice: 0.40, OutputPrice: 1.60, Aliases: []string{"gpt4.1-mini"}},
	{ID: "gpt-4.1", Provider: "openai", ContextWindow: 1047576, InputPrice: 2.00, OutputPrice: 8.00, Aliases: []string{"gpt4.1"}},
	{ID: "gpt-4.1-nano", Provider: "openai", ContextWindow: 1047576, InputPrice: 0.10, OutputPrice: 0.40},
	{ID: "gpt-4o-mini", Provider: "openai", ContextWindow: 128000, InputPrice: 0.15, OutputPrice: 0.60, Aliases: []string{"4o-mini"}},
	{ID: "o4-mini", Provider: "openai", ContextWindow: 200000, InputPrice: 1.10, OutputPrice: 4.40},

	{ID: "claude-haiku-4-5", Provider: "anthropic", ContextWindow: 200000, InputPrice: 1.00, OutputPrice: 5.00, Aliases: []string{"haiku"}},
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000, InputPrice: 3.00, OutputPrice: 15.00, Aliases: []string{"sonnet"}},

	{ID: "llama3.1", Provider: "ollama", ContextWindow: 128000},
}

// GetModelInfo finds a model by ID or alias. It returns nil when unknown.
func GetModelInfo(name string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == name || slices.Contains(Models[i].Aliases, name) {
			return &Models[i]
		}
	}
	return nil
}

// DefaultModel returns the first catalog entry for provider, or nil.
func DefaultModel(provider string) *ModelInfo {
	i := slices.IndexFunc(Models, func(m ModelInfo) bool { return m.Provider == provider })
	if i < 0 {
		return nil
	}
	return &Models[i]
}
