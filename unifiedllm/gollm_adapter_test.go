package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestGollmAdapterName(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic"} {
		adapter, err := NewGollmAdapter(GollmConfig{Provider: provider, APIKey: "sk-placeholder"})
		if err != nil {
			t.Logf("%s adapter unavailable offline: %v", provider, err)
			continue
		}
		if adapter.Name() != provider {
			t.Errorf("Name() = %q, want %q", adapter.Name(), provider)
		}
	}
}

func TestGollmAdapterClassifiesErrorText(t *testing.T) {
	adapter := &GollmAdapter{provider: "anthropic"}
	cases := []struct {
		text      string
		want      string
		status    int
		retryable bool
	}{
		{"HTTP 401 Unauthorized", "*unifiedllm.AuthenticationError", 401, false},
		{"Invalid API key provided", "*unifiedllm.AuthenticationError", 401, false},
		{"403 Forbidden", "*unifiedllm.AccessDeniedError", 403, false},
		{"model claude-x not found", "*unifiedllm.NotFoundError", 404, false},
		{"429: rate limit exceeded", "*unifiedllm.RateLimitError", 429, true},
		{"prompt exceeds context length", "*unifiedllm.ContextLengthError", 413, false},
		{"500 Internal Server Error", "*unifiedllm.ServerError", 500, true},
		{"timeout awaiting headers", "*unifiedllm.RequestTimeoutError", 0, true},
		{"blocked by safety settings", "*unifiedllm.ContentFilterError", 0, false},
		{"unexpected EOF", "*unifiedllm.ProviderError", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			err := adapter.translateError(errors.New(tc.text))
			if got := fmt.Sprintf("%T", err); got != tc.want {
				t.Fatalf("translateError(%q) = %s, want %s", tc.text, got, tc.want)
			}
			if got := IsRetryable(err); got != tc.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tc.retryable)
			}
			if got := statusOf(err); got != tc.status {
				t.Errorf("status = %d, want %d", got, tc.status)
			}
		})
	}
}

func statusOf(err error) int {
	switch e := err.(type) {
	case *AuthenticationError:
		return e.StatusCode
	case *AccessDeniedError:
		return e.StatusCode
	case *NotFoundError:
		return e.StatusCode
	case *RateLimitError:
		return e.StatusCode
	case *ContextLengthError:
		return e.StatusCode
	case *ServerError:
		return e.StatusCode
	case *ContentFilterError:
		return e.StatusCode
	case *ProviderError:
		return e.StatusCode
	}
	return 0
}

func TestGollmAdapterTranslateCancelled(t *testing.T) {
	adapter := &GollmAdapter{provider: "anthropic"}
	err := adapter.translateError(fmt.Errorf("generate: %w", context.Canceled))
	if _, ok := err.(*AbortError); !ok {
		t.Fatalf("expected AbortError, got %T", err)
	}
	if IsRetryable(err) {
		t.Error("cancelled requests must not be retried")
	}
}

func TestFlattenMessages(t *testing.T) {
	tests := []struct {
		name       string
		msgs       []Message
		wantSystem string
		wantPrompt string
	}{
		{
			name:       "empty",
			wantPrompt: "Hello",
		},
		{
			name:       "single user turn is untagged",
			msgs:       []Message{SystemMessage("be terse"), UserMessage("list /tmp")},
			wantSystem: "be terse",
			wantPrompt: "list /tmp",
		},
		{
			name: "multi turn keeps roles",
			msgs: []Message{
				SystemMessage("sys"),
				UserMessage("task"),
				AssistantMessage(`{"tool_to_use":{}}`),
				UserMessage("observation"),
			},
			wantSystem: "sys",
			wantPrompt: "[User]: task\n\n[Assistant]: {\"tool_to_use\":{}}\n\n[User]: observation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys, prompt := flattenMessages(tt.msgs)
			if sys != tt.wantSystem {
				t.Errorf("system = %q, want %q", sys, tt.wantSystem)
			}
			if prompt != tt.wantPrompt {
				t.Errorf("prompt = %q, want %q", prompt, tt.wantPrompt)
			}
		})
	}
}

func TestGollmBuildResponseEstimatesUsage(t *testing.T) {
	adapter := &GollmAdapter{provider: "anthropic", model: "claude-haiku-4-5"}
	resp := adapter.buildResponse(Request{Messages: []Message{UserMessage("0123456789abcdef")}}, "12345678")
	if resp.Model != "claude-haiku-4-5" {
		t.Errorf("expected default model, got %q", resp.Model)
	}
	if resp.Text() != "12345678" {
		t.Errorf("unexpected text %q", resp.Text())
	}
	if !resp.Usage.Estimated {
		t.Error("expected usage to be marked estimated")
	}
	if resp.Usage.InputTokens != 4 || resp.Usage.OutputTokens != 2 || resp.Usage.TotalTokens != 6 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestApproxTokens(t *testing.T) {
	cases := map[string]int{"": 0, "abc": 1, "abcd": 1, "abcde": 2, "Hello world, this is a test message.": 9}
	for text, want := range cases {
		if got := approxTokens(text); got != want {
			t.Errorf("approxTokens(%q) = %d, want %d", text, got, want)
		}
	}
}
