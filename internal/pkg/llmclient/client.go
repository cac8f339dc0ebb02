// Package llmclient provides the base HTTP client for talking to model
// providers: request marshaling, retries with exponential backoff, and
// standardized error parsing. Streaming requests never retry.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	"modelgate/internal/core"
)

// Config holds client configuration.
type Config struct {
	BaseURL string

	MaxRetries     int           // retry attempts after the first try (default 2)
	InitialBackoff time.Duration // default 500ms
	MaxBackoff     time.Duration // default 10s
	BackoffFactor  float64       // default 2.0

	// RequestTimeout bounds a single non-streaming round trip. Streaming
	// calls are bounded by the caller's context instead.
	RequestTimeout time.Duration
}

// DefaultConfig returns the default client configuration for a base URL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		RequestTimeout: 60 * time.Second,
	}
}

// HeaderSetter applies provider-specific headers to an outgoing request.
type HeaderSetter func(req *http.Request)

// Client is the base provider HTTP client.
type Client struct {
	httpClient   *http.Client
	config       Config
	headerSetter HeaderSetter
}

// New creates a client with the given configuration.
func New(config Config, headerSetter HeaderSetter) *Client {
	return &Client{
		// No client-level timeout: streaming responses stay open for the
		// lifetime of the completion and are bounded by context instead.
		httpClient:   &http.Client{},
		config:       config,
		headerSetter: headerSetter,
	}
}

// SetBaseURL updates the base URL. Used by tests pointing at httptest servers.
func (c *Client) SetBaseURL(url string) {
	c.config.BaseURL = url
}

// Request describes one HTTP call against the provider.
type Request struct {
	Method   string
	Endpoint string
	Body     any               // JSON-marshaled when not nil
	RawBody  []byte            // sent verbatim when set; wins over Body
	Headers  map[string]string // request-specific headers
}

// Do executes the request with retries and unmarshals the JSON response.
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	body, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return core.NewProviderError(http.StatusBadGateway, "invalid provider response: "+err.Error(), err)
		}
	}
	return nil
}

// DoRaw executes the request with retries and returns the raw response body.
func (c *Client) DoRaw(ctx context.Context, req Request) ([]byte, error) {
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	var lastErr error
	attempts := c.config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}

		status, body, err := c.once(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = core.NewProviderError(http.StatusBadGateway, "provider request failed: "+err.Error(), err)
			continue
		}
		if retryable(status) {
			lastErr = core.ParseProviderError(status, body, nil)
			continue
		}
		if status != http.StatusOK {
			return nil, core.ParseProviderError(status, body, nil)
		}
		return body, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, core.NewProviderError(http.StatusBadGateway, "provider request failed after retries", nil)
}

// DoStream executes a streaming request and returns the raw response body
// stream. The caller owns the ReadCloser; cancelling ctx aborts the call.
// Streaming requests do not retry since partial data may have been consumed.
func (c *Client) DoStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewProviderError(http.StatusBadGateway, "provider request failed: "+err.Error(), err)
	}
	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if readErr != nil {
			body = []byte("failed to read error response")
		}
		resp.Body.Close()
		return nil, core.ParseProviderError(resp.StatusCode, body, nil)
	}
	return resp.Body, nil
}

func (c *Client) once(ctx context.Context, req Request) (int, []byte, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	var bodyReader io.Reader
	switch {
	case req.RawBody != nil:
		bodyReader = bytes.NewReader(req.RawBody)
	case req.Body != nil:
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewValidationError("failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.config.BaseURL+req.Endpoint, bodyReader)
	if err != nil {
		return nil, core.NewValidationError("failed to create request", err)
	}
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	initial := c.config.InitialBackoff
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	factor := c.config.BackoffFactor
	if factor <= 1 {
		factor = 2.0
	}
	d := float64(initial) * math.Pow(factor, float64(attempt-1))
	if max := c.config.MaxBackoff; max > 0 && d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusBadGateway ||
		status == http.StatusGatewayTimeout
}
