// Package unifiedllm is a small provider-agnostic chat client.
//
// A Client routes each Request to a registered ProviderAdapter and runs it
// through a middleware chain (retry, logging). Two adapters ship with the
// package:
//
//   - OpenAIAdapter talks to any OpenAI-compatible chat-completions endpoint
//     via github.com/openai/openai-go and reports real token usage.
//   - GollmAdapter wraps github.com/teilomillet/gollm for the other providers
//     gollm supports; its usage figures are estimated from text length.
//
// # Quick Start
//
//	adapter := unifiedllm.NewOpenAIAdapter(apiKey, unifiedllm.WithBaseURL(baseURL))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "gpt-4.1-mini",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// # Model Catalog
//
// A built-in catalog of known models carries context sizes and per-million
// token prices, which the agent uses as default cost rates:
//
//	info := unifiedllm.GetModelInfo("gpt-4.1-mini")
package unifiedllm
