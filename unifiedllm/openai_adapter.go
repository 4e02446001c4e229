package unifiedllm

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter talks to any OpenAI-compatible chat completions endpoint and
// reports the token counts the endpoint returns.
type OpenAIAdapter struct {
	name   string
	client *openai.Client
	model  string
}

// OpenAIAdapterOption configures an OpenAIAdapter.
type OpenAIAdapterOption func(*openAIAdapterConfig)

type openAIAdapterConfig struct {
	name    string
	baseURL string
	model   string
	extra   []option.RequestOption
}

// WithBaseURL points the adapter at an OpenAI-compatible gateway.
func WithBaseURL(url string) OpenAIAdapterOption {
	return func(c *openAIAdapterConfig) {
		c.baseURL = url
	}
}

// WithDefaultModel sets the model used when a request leaves Model empty.
func WithDefaultModel(model string) OpenAIAdapterOption {
	return func(c *openAIAdapterConfig) {
		c.model = model
	}
}

// WithProviderName overrides the provider identifier reported by Name.
func WithProviderName(name string) OpenAIAdapterOption {
	return func(c *openAIAdapterConfig) {
		c.name = name
	}
}

// WithRequestOptions passes extra options to the underlying openai client.
func WithRequestOptions(opts ...option.RequestOption) OpenAIAdapterOption {
	return func(c *openAIAdapterConfig) {
		c.extra = append(c.extra, opts...)
	}
}

// NewOpenAIAdapter creates an adapter. SDK-level retries are disabled; use
// RetryMiddleware on the Client instead.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIAdapterOption) *OpenAIAdapter {
	cfg := &openAIAdapterConfig{name: "openai"}
	for _, opt := range opts {
		opt(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	reqOpts = append(reqOpts, cfg.extra...)

	client := openai.NewClient(reqOpts...)
	return &OpenAIAdapter{
		name:   cfg.name,
		client: &client,
		model:  cfg.model,
	}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Complete sends a chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	if model == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "openai: no model specified"}}
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			SDKError:  SDKError{Message: "response contained no choices"},
			Provider:  a.name,
			Retryable: true,
		}
	}

	choice := resp.Choices[0]
	respModel := resp.Model
	if respModel == "" {
		respModel = model
	}
	return &Response{
		ID:           resp.ID,
		Model:        respModel,
		Provider:     a.name,
		Message:      AssistantMessage(choice.Message.Content),
		FinishReason: mapOpenAIFinishReason(string(choice.FinishReason)),
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		content := m.TextContent()
		switch m.Role {
		case RoleSystem:
			params = append(params, openai.SystemMessage(content))
		case RoleUser:
			params = append(params, openai.UserMessage(content))
		case RoleAssistant:
			params = append(params, openai.AssistantMessage(content))
		}
	}
	return params
}

func mapOpenAIFinishReason(raw string) FinishReason {
	switch raw {
	case "stop", "length", "content_filter":
		return FinishReason{Reason: raw, Raw: raw}
	case "":
		return FinishReason{Reason: "stop"}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

// translateError maps openai-go errors onto the unified hierarchy.
func (a *OpenAIAdapter) translateError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = err.Error()
		}
		if strings.Contains(strings.ToLower(apiErr.Code), "context_length") {
			return &ContextLengthError{ProviderError: ProviderError{
				SDKError: SDKError{Message: msg, Cause: err}, Provider: a.name, StatusCode: apiErr.StatusCode,
			}}
		}
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return newStatusError(apiErr.StatusCode, msg, a.name, retryAfter, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{SDKError: SDKError{Message: "network error", Cause: err}}
	}
	return &ProviderError{
		SDKError:  SDKError{Message: err.Error(), Cause: err},
		Provider:  a.name,
		Retryable: true,
	}
}

// parseRetryAfter accepts the delay-seconds form of the header; HTTP dates
// are rare for model APIs and yield zero.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
