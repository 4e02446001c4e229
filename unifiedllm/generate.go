package unifiedllm

import (
	"context"
	"time"
)

// GenerateOptions describes a single-turn request. Prompt and Messages are
// mutually exclusive.
type GenerateOptions struct {
	Client      *Client
	Model       string
	Provider    string
	System      string
	Prompt      string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
	// Timeout bounds the whole call including retries; zero means none.
	Timeout time.Duration
	// Retry, when set, retries the call. Clients that already carry
	// RetryMiddleware should leave it nil.
	Retry *RetryPolicy
}

// GenerateResult is the reply text with its accounting.
type GenerateResult struct {
	Text         string
	FinishReason FinishReason
	Usage        Usage
	Response     *Response
}

func (o GenerateOptions) request() (Request, error) {
	switch {
	case o.Client == nil:
		return Request{}, &ConfigurationError{SDKError: SDKError{Message: "generate requires a client"}}
	case o.Prompt != "" && len(o.Messages) > 0:
		return Request{}, &ConfigurationError{SDKError: SDKError{Message: "cannot specify both prompt and messages"}}
	}
	var msgs []Message
	if o.System != "" {
		msgs = append(msgs, SystemMessage(o.System))
	}
	if o.Prompt != "" {
		msgs = append(msgs, UserMessage(o.Prompt))
	}
	msgs = append(msgs, o.Messages...)
	return Request{
		Model:       o.Model,
		Provider:    o.Provider,
		Messages:    msgs,
		Temperature: o.Temperature,
		MaxTokens:   o.MaxTokens,
	}, nil
}

// Generate sends one request through opts.Client and returns its text.
func Generate(ctx context.Context, opts GenerateOptions) (*GenerateResult, error) {
	req, err := opts.request()
	if err != nil {
		return nil, err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	call := func(ctx context.Context) (*Response, error) { return opts.Client.Complete(ctx, req) }
	var resp *Response
	if opts.Retry != nil {
		resp, err = Retry(ctx, *opts.Retry, call)
	} else {
		resp, err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &GenerateResult{
		Text:         resp.Text(),
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Response:     resp,
	}, nil
}
