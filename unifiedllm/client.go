package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProviderAdapter sends one chat request to a model endpoint.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Closer is implemented by adapters that hold connections.
type Closer interface{ Close() error }

// CompleteFunc is one step of the request pipeline.
type CompleteFunc func(ctx context.Context, req Request) (*Response, error)

// Middleware wraps a provider call; next invokes the rest of the pipeline.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// Client routes requests to registered adapters through a middleware chain.
// The first registered middleware sees the request first.
type Client struct {
	mu         sync.RWMutex
	adapters   map[string]ProviderAdapter
	fallback   string
	middleware []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers adapter under name.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.adapters[name] = adapter }
}

// WithDefaultProvider names the adapter used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.fallback = name }
}

// WithMiddleware appends to the middleware chain.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// NewClient builds a Client. With a single adapter and no explicit default,
// that adapter becomes the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{adapters: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.fallback == "" && len(c.adapters) == 1 {
		for name := range c.adapters {
			c.fallback = name
		}
	}
	return c
}

// RegisterProvider adds an adapter after construction. The first adapter
// registered on a client without a default becomes the default.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[name] = adapter
	if c.fallback == "" {
		c.fallback = name
	}
}

// adapterFor picks the adapter named by the request, then the default, then
// the provider the model catalog lists for the model.
func (c *Client) adapterFor(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.fallback
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "no provider specified and no default provider configured"}}
	}
	adapter, ok := c.adapters[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("provider %q is not registered", name)}}
	}
	return adapter, nil
}

func (c *Client) pipeline(final CompleteFunc) CompleteFunc {
	c.mu.RLock()
	chain := append([]Middleware(nil), c.middleware...)
	c.mu.RUnlock()

	handler := final
	for i := len(chain) - 1; i >= 0; i-- {
		mw, next := chain[i], handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}
	return handler
}

// Complete sends req through the middleware chain to its adapter.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.adapterFor(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return c.pipeline(adapter.Complete)(ctx, req)
}

// Close closes every adapter that implements Closer and joins their errors.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, adapter := range c.adapters {
		if closer, ok := adapter.(Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

// RetryMiddleware re-runs the rest of the chain per policy.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
			return next(ctx, req)
		})
	}
}

// LoggingMiddleware records each call's latency and token counts. Failures
// are logged at warn, successes at debug. A nil logger means slog.Default().
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		attrs := []any{"provider", req.Provider, "model", req.Model, "elapsed", time.Since(start)}
		if err != nil {
			logger.Warn("model request failed", append(attrs, "error", err)...)
			return nil, err
		}
		logger.Debug("model request complete", append(attrs,
			"messages", len(req.Messages),
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
		)...)
		return resp, nil
	}
}
