// Package openai implements the upstream provider client for
// OpenAI-compatible backends, speaking either the Chat Completions wire API
// or the Responses wire API.
package openai

import (
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"

	"modelgate/internal/core"
	"modelgate/internal/pkg/llmclient"
)

// Wire selects the upstream wire protocol.
type Wire string

const (
	// WireChat targets POST {base}/chat/completions.
	WireChat Wire = "chat"
	// WireResponses targets POST {base}/responses.
	WireResponses Wire = "responses"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures the provider client.
type Config struct {
	APIKey  string
	BaseURL string // defaults to the OpenAI API
	Wire    Wire   // defaults to WireChat
	Client  llmclient.Config
}

// Provider is the upstream client. It issues completion and Responses calls
// and exposes raw SSE bodies; parsing into stream events is the adapter's
// job, not the provider's.
type Provider struct {
	client *llmclient.Client
	apiKey string
	wire   Wire
}

// New creates a provider client.
func New(cfg Config) *Provider {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	clientCfg := cfg.Client
	if clientCfg.BaseURL == "" {
		clientCfg = llmclient.DefaultConfig(base)
	}
	p := &Provider{apiKey: cfg.APIKey, wire: cfg.Wire}
	if p.wire == "" {
		p.wire = WireChat
	}
	p.client = llmclient.New(clientCfg, p.setHeaders)
	return p
}

// SetBaseURL points the provider at a different base URL. Used by tests.
func (p *Provider) SetBaseURL(url string) {
	p.client.SetBaseURL(url)
}

// WireAPI reports which upstream wire protocol this provider speaks.
func (p *Provider) WireAPI() string {
	return string(p.wire)
}

func (p *Provider) setHeaders(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if p.wire == WireResponses {
		req.Header.Set("OpenAI-Beta", "responses=experimental")
		req.Header.Set("Session-Id", uuid.New().String())
	}
}

// OpenCompletion issues a streaming completion for the prompt and returns
// the provider's raw SSE body. The caller must close it; cancelling ctx
// aborts the upstream call.
func (p *Provider) OpenCompletion(ctx context.Context, prompt *core.Prompt) (io.ReadCloser, error) {
	switch p.wire {
	case WireResponses:
		return p.client.DoStream(ctx, llmclient.Request{
			Method:   http.MethodPost,
			Endpoint: "/responses",
			Body:     responsesBody(prompt),
		})
	default:
		return p.client.DoStream(ctx, llmclient.Request{
			Method:   http.MethodPost,
			Endpoint: "/chat/completions",
			Body:     chatBody(prompt),
		})
	}
}

// Responses forwards a raw Responses-API request body verbatim and returns
// the raw JSON response.
func (p *Provider) Responses(ctx context.Context, body []byte) ([]byte, error) {
	return p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/responses",
		RawBody:  body,
	})
}

// StreamResponses forwards a raw Responses-API request body verbatim and
// returns the upstream SSE body for byte-exact relay.
func (p *Provider) StreamResponses(ctx context.Context, body []byte) (io.ReadCloser, error) {
	return p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/responses",
		RawBody:  body,
	})
}

// chatBody builds the Chat Completions wire payload.
func chatBody(prompt *core.Prompt) map[string]any {
	body := map[string]any{
		"model":    prompt.Model,
		"messages": prompt.Messages,
		"stream":   true,
	}
	if prompt.Temperature != nil {
		body["temperature"] = *prompt.Temperature
	}
	if prompt.MaxTokens != nil {
		body["max_tokens"] = *prompt.MaxTokens
	}
	return body
}

// responsesBody translates chat messages into Responses-API input items.
// Assistant turns become output_text parts, everything else input_text.
func responsesBody(prompt *core.Prompt) map[string]any {
	input := make([]map[string]any, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		partType := "input_text"
		if m.Role == "assistant" {
			partType = "output_text"
		}
		input = append(input, map[string]any{
			"role":    m.Role,
			"content": []map[string]any{{"type": partType, "text": m.Content}},
		})
	}

	body := map[string]any{
		"model":  prompt.Model,
		"input":  input,
		"stream": true,
		"store":  false,
	}
	if prompt.MaxTokens != nil {
		body["max_output_tokens"] = *prompt.MaxTokens
	}
	if prompt.Temperature != nil {
		body["temperature"] = *prompt.Temperature
	}
	return body
}
