// Package webfetch downloads web pages and converts them to readable,
// markdown-flavoured text for the model.
package webfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxBytes  int64 = 5 << 20
	DefaultUserAgent       = "shellpilot/1.0 (+https://github.com/martinemde/shellpilot)"
)

// Page is a fetched and converted document.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	ContentType string `json:"content_type,omitempty"`
	StatusCode  int    `json:"status_code"`
	// Truncated is set when the body was cut at the byte limit.
	Truncated bool `json:"truncated,omitempty"`
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Fetcher retrieves pages over HTTP.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithMaxBytes caps how much of a body is read.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// New creates a Fetcher with default settings.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: DefaultTimeout},
		maxBytes:  DefaultMaxBytes,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads rawURL and converts the body. HTML becomes readable
// text; other textual bodies pass through; binary bodies are summarized.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{URL: u, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	page := &Page{
		URL:         u,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}
	if int64(len(body)) > f.maxBytes {
		body = body[:f.maxBytes]
		page.Truncated = true
	}

	switch {
	case isHTML(page.ContentType, body):
		page.Title, page.Text = ConvertHTML(string(body), u)
	case utf8.Valid(body):
		page.Text = strings.TrimSpace(string(body))
	default:
		page.Text = fmt.Sprintf("Binary content (%s), %d bytes", page.ContentType, len(body))
	}
	return page, nil
}

// FetchText returns the page as one string with the title as a heading.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	page, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if page.Title == "" {
		return page.Text, nil
	}
	return "# " + page.Title + "\n\n" + page.Text, nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	return u.String(), nil
}

func isHTML(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		return true
	}
	if ct != "" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(http.DetectContentType(body)), "text/html")
}
