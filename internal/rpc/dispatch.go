package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"modelgate/internal/core"
)

// Completer runs one non-streaming chat completion. The gateway's HTTP
// pipeline satisfies this, so tool calls and REST calls share one path to
// the provider.
type Completer interface {
	Complete(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error)
}

// Dispatcher resolves one inbound frame to at most one response frame.
// Notifications resolve to nil. Implementations must be safe for concurrent
// use: every transport connection shares one dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) *Response
}

// GatewayDispatcher serves the tool-protocol method set backed by the
// gateway's completion pipeline.
type GatewayDispatcher struct {
	completer Completer
	name      string
	version   string
	logger    *slog.Logger
}

// NewDispatcher builds the shared dispatcher.
func NewDispatcher(completer Completer, name, version string, logger *slog.Logger) *GatewayDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayDispatcher{completer: completer, name: name, version: version, logger: logger}
}

// chatTool describes the single tool the gateway exposes.
var chatTool = map[string]any{
	"name":        "chat",
	"description": "Send a chat completion request to the configured model provider.",
	"inputSchema": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"model": map[string]any{"type": "string"},
			"messages": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"role", "content"},
					"properties": map[string]any{
						"role":    map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
					},
				},
			},
			"temperature": map[string]any{"type": "number"},
			"max_tokens":  map[string]any{"type": "integer"},
		},
		"required": []string{"messages"},
	},
}

// Dispatch implements Dispatcher.
func (d *GatewayDispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return NewResult(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": d.name, "version": d.version},
		})
	case "ping":
		return NewResult(req.ID, map[string]any{})
	case "tools/list":
		return NewResult(req.ID, map[string]any{"tools": []any{chatTool}})
	case "tools/call":
		return d.callTool(ctx, req)
	default:
		if req.IsNotification() {
			// notifications/initialized and friends need no reply.
			return nil
		}
		return NewError(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *GatewayDispatcher) callTool(ctx context.Context, req *Request) *Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewError(req.ID, CodeInvalidParams, "invalid tool call params")
	}
	if params.Name != "chat" {
		return NewError(req.ID, CodeInvalidParams, "unknown tool: "+params.Name)
	}

	var chatReq core.ChatRequest
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &chatReq); err != nil {
			return NewError(req.ID, CodeInvalidParams, "invalid chat arguments")
		}
	}

	resp, err := d.completer.Complete(ctx, &chatReq)
	if err != nil {
		var ge *core.GatewayError
		if errors.As(err, &ge) {
			if ge.Type == core.ErrorTypeValidation {
				return NewError(req.ID, CodeInvalidParams, ge.Message)
			}
			// Provider-side failures are tool results, not protocol errors.
			return NewResult(req.ID, toolError(ge.Message))
		}
		return NewError(req.ID, CodeInternalError, "completion failed")
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return NewResult(req.ID, map[string]any{
		"content": []any{map[string]any{"type": "text", "text": text}},
		"isError": false,
	})
}

func toolError(message string) map[string]any {
	return map[string]any{
		"content": []any{map[string]any{"type": "text", "text": message}},
		"isError": true,
	}
}
