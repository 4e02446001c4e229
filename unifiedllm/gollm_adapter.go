package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmConfig selects the provider and defaults for a GollmAdapter.
type GollmConfig struct {
	Provider string
	// APIKey may be empty; gollm then reads the provider's usual variable.
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	// Extra options are applied after the ones derived above.
	Extra []gollm.ConfigOption
}

func (c GollmConfig) options() []gollm.ConfigOption {
	opts := []gollm.ConfigOption{
		gollm.SetProvider(c.Provider),
		gollm.SetModel(c.Model),
		gollm.SetMaxTokens(c.MaxTokens),
		gollm.SetTemperature(c.Temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if c.APIKey != "" {
		opts = append(opts, gollm.SetAPIKey(c.APIKey))
	}
	return append(opts, c.Extra...)
}

// GollmAdapter serves providers without an OpenAI-compatible endpoint.
// gollm accepts one prompt per call, so conversations are flattened and
// token usage is estimated from text length.
type GollmAdapter struct {
	provider string
	model    string

	mu  sync.Mutex // guards SetOption+Generate on llm
	llm gollm.LLM
}

// NewGollmAdapter builds the gollm client for cfg.Provider. Retries are
// left to the Client's middleware.
func NewGollmAdapter(cfg GollmConfig) (*GollmAdapter, error) {
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-mini"
		if info := DefaultModel(cfg.Provider); info != nil {
			cfg.Model = info.ID
		}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	llm, err := gollm.NewLLM(cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("create gollm client for %s: %w", cfg.Provider, err)
	}
	return &GollmAdapter{provider: cfg.Provider, model: cfg.Model, llm: llm}, nil
}

func (a *GollmAdapter) Name() string { return a.provider }

// Complete flattens req into one prompt and waits for the reply.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)

	a.mu.Lock()
	a.applyRequestOptions(req)
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// translateRequest converts a unified Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	systemPrompt, promptText := flattenMessages(req.Messages)

	var promptOpts []gollm.PromptOption
	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(systemPrompt, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// flattenMessages splits a conversation into a system prompt and a single
// prompt body. Every non-system turn keeps a role tag so multi-turn context
// survives the single-prompt interface.
func flattenMessages(msgs []Message) (system string, prompt string) {
	var sys []string
	var turns []string
	for _, msg := range msgs {
		text := msg.TextContent()
		switch msg.Role {
		case RoleSystem:
			sys = append(sys, text)
		case RoleUser:
			turns = append(turns, "[User]: "+text)
		case RoleAssistant:
			if text != "" {
				turns = append(turns, "[Assistant]: "+text)
			}
		}
	}
	// A single user turn is passed through untagged.
	if len(turns) == 1 && strings.HasPrefix(turns[0], "[User]: ") {
		turns[0] = strings.TrimPrefix(turns[0], "[User]: ")
	}
	prompt = strings.Join(turns, "\n\n")
	if prompt == "" {
		prompt = "Hello"
	}
	return strings.TrimSpace(strings.Join(sys, "\n")), prompt
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}
	usage := Usage{OutputTokens: approxTokens(text), Estimated: true}
	for _, m := range req.Messages {
		usage.InputTokens += approxTokens(m.TextContent())
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return &Response{
		ID:           "gollm-" + uuid.NewString(),
		Model:        model,
		Provider:     a.provider,
		Message:      AssistantMessage(text),
		FinishReason: FinishReason{Reason: "stop", Raw: "stop"},
		Usage:        usage,
	}
}

// gollmErrorPatterns classifies gollm errors, which carry no status code,
// by message text. The first matching row wins.
var gollmErrorPatterns = []struct {
	needles []string
	status  int
	wrap    func(ProviderError) error
}{
	{[]string{"401", "unauthorized", "invalid key", "invalid api key"}, 401,
		func(pe ProviderError) error { return &AuthenticationError{pe} }},
	{[]string{"403", "forbidden"}, 403,
		func(pe ProviderError) error { return &AccessDeniedError{pe} }},
	{[]string{"404", "not found"}, 404,
		func(pe ProviderError) error { return &NotFoundError{pe} }},
	{[]string{"429", "rate limit"}, 429,
		func(pe ProviderError) error { pe.Retryable = true; return &RateLimitError{pe} }},
	{[]string{"context length", "too many tokens"}, 413,
		func(pe ProviderError) error { return &ContextLengthError{pe} }},
	{[]string{"500", "internal server"}, 500,
		func(pe ProviderError) error { pe.Retryable = true; return &ServerError{pe} }},
	{[]string{"timeout"}, 0,
		func(pe ProviderError) error { return &RequestTimeoutError{pe.SDKError} }},
	{[]string{"content filter", "safety"}, 0,
		func(pe ProviderError) error { return &ContentFilterError{pe} }},
}

func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	case errors.Is(err, context.DeadlineExceeded):
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, p := range gollmErrorPatterns {
		for _, needle := range p.needles {
			if strings.Contains(lower, needle) {
				return p.wrap(ProviderError{
					SDKError:   SDKError{Message: msg, Cause: err},
					Provider:   a.provider,
					StatusCode: p.status,
				})
			}
		}
	}
	return &ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, Retryable: true}
}

// approxTokens assumes four bytes per token, rounding up.
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}
